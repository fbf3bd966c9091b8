package browser

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, size int) *Registry {
	t.Helper()

	r, err := NewRegistry(size, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestDomain(t *testing.T) {
	r := newTestRegistry(t, 16)

	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.Example.com/path?q=1", "www.example.com", true},
		{"http://example.com:8080/", "example.com", true},
		{"https://news.example.org", "news.example.org", true},
		{"http://127.0.0.1:8080/", "127.0.0.1", true},
		{"http://[::1]:8080/", "", false},
		{"chrome://settings", "", false},
		{"chrome-extension://abcdef/popup.html", "", false},
		{"about:blank", "", false},
		{"moz-extension://uuid/page.html", "", false},
		{"file:///home/user/doc.html", "", false},
		{"data:text/html,hello", "", false},
		{"view-source:https://example.com", "", false},
		{"blob:https://example.com/1234", "", false},
		{"", "", false},
		{"not a url", "", false},
		{"://broken", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := r.Domain(tt.url)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Domain(%q) = %q, %v; want %q, %v", tt.url, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDomainCustomSkipList(t *testing.T) {
	r, err := NewRegistry(4, []string{"https:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if _, ok := r.Domain("https://example.com"); ok {
		t.Error("Expected https to be skipped")
	}
	if got, ok := r.Domain("http://example.com"); !ok || got != "example.com" {
		t.Errorf("Expected http to be trackable, got %q, %v", got, ok)
	}
}

func TestActiveTabLifecycle(t *testing.T) {
	r := newTestRegistry(t, 16)
	ctx := context.Background()

	if _, ok, _ := r.ActiveTab(ctx); ok {
		t.Fatal("Expected no active tab initially")
	}

	r.Update(Tab{ID: 1, URL: "https://a.com", Active: true, Complete: true})
	r.Update(Tab{ID: 2, URL: "https://b.com", Complete: true})

	tab, ok, err := r.ActiveTab(ctx)
	if err != nil || !ok || tab.ID != 1 {
		t.Fatalf("Expected tab 1 active, got %+v, %v, %v", tab, ok, err)
	}

	r.Activate(2)
	tab, ok, _ = r.ActiveTab(ctx)
	if !ok || tab.ID != 2 || tab.URL != "https://b.com" {
		t.Errorf("Expected tab 2 active, got %+v", tab)
	}
	if prev, _, _ := r.Tab(ctx, 1); prev.Active {
		t.Error("Expected tab 1 to be deactivated")
	}

	r.Remove(2)
	if _, ok, _ := r.ActiveTab(ctx); ok {
		t.Error("Expected no active tab after removing it")
	}
	if _, ok, _ := r.Tab(ctx, 2); ok {
		t.Error("Expected removed tab to be gone")
	}
}

func TestActivateUnknownTab(t *testing.T) {
	r := newTestRegistry(t, 16)

	r.Activate(42)
	tab, ok, _ := r.ActiveTab(context.Background())
	if !ok || tab.ID != 42 || tab.URL != "" {
		t.Errorf("Expected URL-less active tab 42, got %+v, %v", tab, ok)
	}

	r.Update(Tab{ID: 42, URL: "https://late.example.com"})
	tab, _, _ = r.ActiveTab(context.Background())
	if tab.URL != "https://late.example.com" {
		t.Errorf("Expected URL to be filled in, got %+v", tab)
	}
}

func TestUpdateKeepsURLWhenOmitted(t *testing.T) {
	r := newTestRegistry(t, 16)

	r.Update(Tab{ID: 7, URL: "https://a.com"})
	r.Update(Tab{ID: 7, Complete: true})

	tab, ok, _ := r.Tab(context.Background(), 7)
	if !ok || tab.URL != "https://a.com" || !tab.Complete {
		t.Errorf("Unexpected tab state %+v", tab)
	}
}

func TestRegistryEviction(t *testing.T) {
	r := newTestRegistry(t, 2)

	r.Update(Tab{ID: 1, URL: "https://a.com"})
	r.Update(Tab{ID: 2, URL: "https://b.com"})
	r.Update(Tab{ID: 3, URL: "https://c.com"})

	if r.Len() != 2 {
		t.Fatalf("Expected 2 cached tabs, got %d", r.Len())
	}
	if _, ok, _ := r.Tab(context.Background(), 1); ok {
		t.Error("Expected least recently used tab to be evicted")
	}
}
