package redis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-redis/redismock/v8"
)

func TestReader_Status(t *testing.T) {
	t.Run("returns published document", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reader := NewReader(client)

		mock.ExpectGet(statusKey).SetVal(`{"count":3,"ts":"2026-02-11T14:30:05Z","strategy":"spring"}`)

		doc, present, err := reader.Status(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !present {
			t.Fatal("expected present=true")
		}
		if !strings.Contains(string(doc), `"strategy":"spring"`) {
			t.Errorf("unexpected document: %s", doc)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("absent key is not an error", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reader := NewReader(client)

		mock.ExpectGet(statusKey).RedisNil()

		doc, present, err := reader.Status(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if present {
			t.Error("expected present=false for missing key")
		}
		if doc != nil {
			t.Errorf("expected nil document, got %s", doc)
		}
	})

	t.Run("transport errors are wrapped", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reader := NewReader(client)

		mock.ExpectGet(statusKey).SetErr(errors.New("connection refused"))

		_, _, err := reader.Status(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "failed to read status") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestReader_Contenders(t *testing.T) {
	t.Run("reads strategy-scoped key", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reader := NewReader(client)

		mock.ExpectGet("discovery/contenders/latest/spring").SetVal(`{"candidates":[]}`)

		doc, present, err := reader.Contenders(context.Background(), "spring")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !present {
			t.Fatal("expected present=true")
		}
		if !strings.Contains(string(doc), "candidates") {
			t.Errorf("unexpected document: %s", doc)
		}
	})

	t.Run("missing strategy", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		reader := NewReader(client)

		mock.ExpectGet("discovery/contenders/latest/nightly").RedisNil()

		_, present, err := reader.Contenders(context.Background(), "nightly")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if present {
			t.Error("expected present=false")
		}
	})
}
