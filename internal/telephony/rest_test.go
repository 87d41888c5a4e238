package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPlaceAlertCallEscapesMessage(t *testing.T) {
	var twiml string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "token" {
			t.Error("missing account credentials")
		}
		twiml = r.FormValue("Twiml")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "AC123", "token")
	err := c.PlaceAlertCall(context.Background(), "+15550101", "+15550100", `Risk category <Self&Harm> "acute"`)
	if err != nil {
		t.Fatalf("PlaceAlertCall: %v", err)
	}
	if strings.Contains(twiml, "<Self") {
		t.Errorf("message not escaped: %s", twiml)
	}
	if !strings.Contains(twiml, "&lt;Self&amp;Harm&gt;") {
		t.Errorf("expected escaped message in %s", twiml)
	}
	if !strings.HasPrefix(twiml, "<Response><Say>") || !strings.HasSuffix(twiml, "</Say></Response>") {
		t.Errorf("document shape: %s", twiml)
	}
}

func TestEndCallPostsCompletedStatus(t *testing.T) {
	var gotPath, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotPath = r.URL.Path
		gotStatus = r.FormValue("Status")
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "AC123", "token")
	if err := c.EndCall(context.Background(), "CA42"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if gotPath != "/Accounts/AC123/Calls/CA42.json" {
		t.Errorf("path = %s", gotPath)
	}
	if gotStatus != "completed" {
		t.Errorf("status = %s", gotStatus)
	}
}
