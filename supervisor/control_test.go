// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/lib/service"
	"github.com/bureau-foundation/holdfast/lib/testutil"
)

func TestControlActions(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	s := harness.newSupervisor(t, nil)

	controlPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := service.NewSocketServer(controlPath, nil)
	s.RegisterActions(server)

	ctx, cancel := context.WithCancel(context.Background())
	serveResult := make(chan error, 1)
	go func() { serveResult <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, serveResult, testTimeout, "control server did not stop")
	})
	testutil.RequireClosed(t, server.Ready(), testTimeout, "control server never listened")

	client := service.NewClient(controlPath)
	callContext, callCancel := context.WithTimeout(context.Background(), testTimeout)
	defer callCancel()

	var serviceError *service.ServiceError
	err := client.Call(callContext, ActionList, nil, nil)
	if !errors.As(err, &serviceError) || serviceError.Message != "reconciling" {
		t.Fatalf("list before reconcile error = %v, want service error %q", err, "reconciling")
	}

	var status Status
	if err := client.Call(callContext, ActionStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Reconciling {
		t.Error("status before reconcile: Reconciling = false")
	}

	reconcile(t, s)

	var created registry.Record
	if err := client.Call(callContext, ActionCreate, map[string]any{
		"command": []string{"idle", "--quiet"},
		"label":   "editor",
		"columns": 100,
	}, &created); err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("create returned no session id")
	}
	if created.Label != "editor" {
		t.Errorf("label = %q, want editor", created.Label)
	}
	if created.Metadata.Columns != 100 {
		t.Errorf("columns = %d, want 100", created.Metadata.Columns)
	}
	if len(created.Metadata.Command) != 2 || created.Metadata.Command[1] != "--quiet" {
		t.Errorf("command = %q, want [idle --quiet]", created.Metadata.Command)
	}

	var listed ListResult
	if err := client.Call(callContext, ActionList, nil, &listed); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Sessions) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(listed.Sessions))
	}
	if listed.Sessions[0].SessionID != created.SessionID || !listed.Sessions[0].Routed {
		t.Errorf("listed %+v, want routed %s", listed.Sessions[0], created.SessionID)
	}

	if err := client.Call(callContext, ActionDestroy, map[string]any{}, nil); err == nil {
		t.Error("destroy without session_id succeeded")
	}
	if err := client.Call(callContext, ActionDestroy, map[string]any{"session_id": created.SessionID}, nil); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := client.Call(callContext, ActionList, nil, &listed); err != nil {
		t.Fatalf("list after destroy: %v", err)
	}
	if len(listed.Sessions) != 0 {
		t.Errorf("listed %d sessions after destroy, want 0", len(listed.Sessions))
	}
}
