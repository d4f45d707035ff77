// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import "os"

func openRDB(path string) (*os.File, error) {
	return os.Open(path)
}

func rdbSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
