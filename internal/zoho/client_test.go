package zoho

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/workflow"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	tokenCalls := 0
	mux.HandleFunc("/oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(config.ZohoConfig{
		BaseURL:      srv.URL,
		AccountsURL:  srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		TaskOwnerID:  "owner-1",
		TaskSubject:  "Connect on LinkedIn",
		APITimeout:   5 * time.Second,
	}, zap.NewNop())
	return client, srv
}

func TestSelectTasksSortsAndTruncates(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Tasks/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Zoho-oauthtoken test-token" {
			t.Errorf("missing auth header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id": "task-new", "Subject": "Connect on LinkedIn",
					"Who_Id":       map[string]string{"id": "c-2", "name": "Newer"},
					"Created_Time": "2026-08-20T10:00:00+02:00",
				},
				{
					"id": "task-orphan", "Subject": "Connect on LinkedIn",
					"Created_Time": "2026-08-01T10:00:00+02:00",
				},
				{
					"id": "task-old", "Subject": "Connect on LinkedIn",
					"Who_Id":       map[string]string{"id": "c-1", "name": "Older"},
					"Created_Time": "2026-08-10T10:00:00+02:00",
				},
			},
		})
	})

	tasks, err := client.SelectTasks(context.Background(), 5)
	if err != nil {
		t.Fatalf("SelectTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (orphan skipped)", len(tasks))
	}
	if tasks[0].ID != "task-old" || tasks[1].ID != "task-new" {
		t.Errorf("tasks not sorted oldest first: %s, %s", tasks[0].ID, tasks[1].ID)
	}

	tasks, err = client.SelectTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("SelectTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-old" {
		t.Errorf("truncation kept %v, want the oldest task", tasks)
	}
}

func TestSelectTasksEmptyResult(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Zoho returns 204 for an empty search.
		w.WriteHeader(http.StatusNoContent)
	})

	tasks, err := client.SelectTasks(context.Background(), 5)
	if err != nil {
		t.Fatalf("SelectTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks, want 0", len(tasks))
	}
}

func TestGetContactMapsAddress(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":              "c-1",
				"Full_Name":       "Jane Doe",
				"Email":           "jane@example.com",
				"LinkedIn_ID":     "jane-doe-123",
				"Account_Name":    map[string]string{"name": "Acme GmbH"},
				"Mailing_Street":  "Musterstr. 1",
				"Mailing_City":    "Berlin",
				"Mailing_Zip":     "10115",
				"Mailing_Country": "DE",
			}},
		})
	})

	contact, err := client.GetContact(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if contact.ProfileID != "jane-doe-123" {
		t.Errorf("profile ID = %q", contact.ProfileID)
	}
	if contact.Company != "Acme GmbH" {
		t.Errorf("company = %q", contact.Company)
	}
	if !contact.MailingAddress.IsValid() {
		t.Error("complete address not mapped")
	}
}

func TestGetContactIncompleteAddressDropped(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":             "c-1",
				"Full_Name":      "Jane Doe",
				"LinkedIn_ID":    "jane-doe-123",
				"Mailing_Street": "Musterstr. 1",
			}},
		})
	})

	contact, err := client.GetContact(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if contact.MailingAddress != nil {
		t.Error("incomplete address should map to nil")
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.SelectTasks(context.Background(), 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if workflow.KindOf(err) != workflow.KindTransient {
		t.Errorf("KindOf = %s, want %s", workflow.KindOf(err), workflow.KindTransient)
	}
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	calls := 0
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if _, err := client.SelectTasks(context.Background(), 5); err != nil {
		t.Fatalf("SelectTasks after 401: %v", err)
	}
	if calls != 2 {
		t.Errorf("API calls = %d, want 2 (retry with fresh token)", calls)
	}
}

func TestPersistentUnauthorizedIsTransient(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.SelectTasks(context.Background(), 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if workflow.KindOf(err) != workflow.KindTransient {
		t.Errorf("KindOf = %s, want %s", workflow.KindOf(err), workflow.KindTransient)
	}
}

func TestNotFoundIsValidation(t *testing.T) {
	client, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetContact(context.Background(), "missing")
	if workflow.KindOf(err) != workflow.KindValidation {
		t.Errorf("KindOf = %s, want %s", workflow.KindOf(err), workflow.KindValidation)
	}
}
