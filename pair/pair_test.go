// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pair_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/peep"
	"github.com/creachadair/peep/input"
	"github.com/creachadair/peep/pair"
	"github.com/fortytw2/leaktest"
)

func TestDefaults(t *testing.T) {
	defer leaktest.Check(t)()

	// A nil options pair is usable out of the box: the client has no input
	// and departs at once.
	p := pair.New(nil)
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
	if st := p.Client.State(); st != peep.StateExited {
		t.Errorf("Client state: got %v, want %v", st, peep.StateExited)
	}
	if st := p.Server.State(); st != peep.StateExited {
		t.Errorf("Server state: got %v, want %v", st, peep.StateExited)
	}
}

func TestExchange(t *testing.T) {
	defer leaktest.Check(t)()

	rspc := make(chan peep.Response, 1)
	p := pair.New(&pair.Options{
		Input: input.New(strings.NewReader("size /whatever\n")),
		Handler: func(_ context.Context, req *peep.Request) (*peep.Response, error) {
			if req.Kind != peep.GetFileSize || req.Path != "/whatever" {
				t.Errorf("Request: got %v, want a size request for /whatever", req)
			}
			return &peep.Response{Kind: peep.FileSize, Size: 42}, nil
		},
		Client: &peep.ClientOptions{OnResponse: func(rsp peep.ResponseView) { rspc <- rsp.Copy() }},
	})
	select {
	case got := <-rspc:
		if got.Kind != peep.FileSize || got.Size != 42 {
			t.Errorf("Response: got %v, want size 42", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a response")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
}

func TestDefaultHandler(t *testing.T) {
	defer leaktest.Check(t)()

	// With no handler configured, the server answers every request with a
	// not-found error.
	rspc := make(chan peep.Response, 1)
	p := pair.New(&pair.Options{
		Input:  input.New(strings.NewReader("whatever\n")),
		Client: &peep.ClientOptions{OnResponse: func(rsp peep.ResponseView) { rspc <- rsp.Copy() }},
	})
	select {
	case got := <-rspc:
		if got.Kind != peep.ServiceError || got.Code != peep.CodeNotFound {
			t.Errorf("Response: got %v, want a not-found service error", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a response")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
}
