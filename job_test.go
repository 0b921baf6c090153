// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"context"
	"testing"
)

func TestFactoryRegistry(t *testing.T) {
	r := NewFactoryRegistry()
	err := r.Register("noop", func(task *Task) (Job, error) {
		return JobFunc(func(ctx context.Context) error { return nil }), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	job, err := r.CreateJob(&Task{Kind: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	if err := job.Process(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := job.PostProcess(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestFactoryRegistryDuplicateKind(t *testing.T) {
	r := NewFactoryRegistry()
	fn := func(task *Task) (Job, error) {
		return JobFunc(func(ctx context.Context) error { return nil }), nil
	}
	if err := r.Register("noop", fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("noop", fn); err == nil {
		t.Fatal("expected an error on duplicate registration")
	}
}

func TestFactoryRegistryUnknownKind(t *testing.T) {
	r := NewFactoryRegistry()
	if _, err := r.CreateJob(&Task{Kind: "unknown"}); err == nil {
		t.Fatal("expected an error for an unregistered kind")
	}
}
