/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package llm

import (
	"context"
	"testing"
)

func TestMockProviderPopsResponsesInOrder(t *testing.T) {
	mock := NewMockProviderScript("first", "second")
	ctx := context.Background()

	resp, err := mock.Complete(ctx, &CompletionRequest{Model: "m"})
	if err != nil || resp.Content != "first" {
		t.Fatalf("first = %v (%v)", resp, err)
	}
	resp, err = mock.Complete(ctx, &CompletionRequest{Model: "m"})
	if err != nil || resp.Content != "second" {
		t.Fatalf("second = %v (%v)", resp, err)
	}

	// Exhausted mocks fail loudly instead of looping.
	if _, err := mock.Complete(ctx, &CompletionRequest{}); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if mock.CallCount() != 3 {
		t.Fatalf("call count = %d, want 3", mock.CallCount())
	}

	mock.Reset()
	if mock.CallCount() != 0 {
		t.Fatal("reset did not clear call history")
	}
	if resp, err := mock.Complete(ctx, &CompletionRequest{}); err != nil || resp.Content != "first" {
		t.Fatalf("after reset = %v (%v)", resp, err)
	}
}

func TestCompletionResponseHelpers(t *testing.T) {
	resp := &CompletionResponse{
		ToolCalls: []ToolCall{{Name: "otto_manage_tasks"}},
		Usage:     UsageInfo{InputTokens: 10, OutputTokens: 5},
	}
	if !resp.HasToolCalls() {
		t.Fatal("HasToolCalls = false")
	}
	if resp.Usage.TotalTokens() != 15 {
		t.Fatalf("total tokens = %d", resp.Usage.TotalTokens())
	}
}
