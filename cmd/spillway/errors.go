package main

import "errors"

var (
	ErrObjectIDRequired = errors.New("object id required")
	ErrOutputRequired   = errors.New("output path required (-o)")
	ErrPathRequired     = errors.New("file path required")
	ErrSizeRequired     = errors.New("size required (--size)")
)
