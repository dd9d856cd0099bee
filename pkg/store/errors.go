package store

import "errors"

var (
	ErrTableNotFound    = errors.New("table not found")
	ErrTableExists      = errors.New("table already open with another schema")
	ErrInvalidTableName = errors.New("invalid table name")
)
