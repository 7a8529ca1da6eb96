// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package fileserver implements session handlers that answer file size and
// content requests from a filesystem.
package fileserver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/creachadair/peep"
)

// New returns a handler that serves request paths directly from the host
// filesystem. A path that does not name an existing file reports an error
// satisfying [fs.ErrNotExist], which the session maps to a not-found
// service error for the client.
func New() peep.Handler {
	return func(ctx context.Context, req *peep.Request) (*peep.Response, error) {
		switch req.Kind {
		case peep.GetFileSize:
			fi, err := os.Stat(req.Path)
			if err != nil {
				return nil, err
			}
			return &peep.Response{Kind: peep.FileSize, Size: uint64(fi.Size())}, nil

		case peep.GetFileContent:
			data, err := os.ReadFile(req.Path)
			if err != nil {
				return nil, err
			}
			return &peep.Response{Kind: peep.FileContent, Data: data}, nil

		default:
			return nil, fmt.Errorf("invalid request kind %v", req.Kind)
		}
	}
}

// NewFS returns a handler like [New] that serves from fsys instead of the
// host filesystem. Request paths are interpreted as rooted in fsys, so the
// path "/a/b" names the file "a/b".
func NewFS(fsys fs.FS) peep.Handler {
	return func(ctx context.Context, req *peep.Request) (*peep.Response, error) {
		name := fsName(req.Path)
		switch req.Kind {
		case peep.GetFileSize:
			fi, err := fs.Stat(fsys, name)
			if err != nil {
				return nil, err
			}
			return &peep.Response{Kind: peep.FileSize, Size: uint64(fi.Size())}, nil

		case peep.GetFileContent:
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				return nil, err
			}
			return &peep.Response{Kind: peep.FileContent, Data: data}, nil

		default:
			return nil, fmt.Errorf("invalid request kind %v", req.Kind)
		}
	}
}

// fsName maps a request path onto a name in an fs.FS.
func fsName(p string) string {
	name := path.Clean("/" + p)[1:]
	if name == "" {
		return "."
	}
	return name
}
