package repository

import (
	"database/sql"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

func nullString(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func nullStringPtr(v *string) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}

	return v.UTC()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}

	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	t := v.Time.UTC()
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}

	f := v.Float64
	return &f
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}

	i := v.Int64
	return &i
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}
