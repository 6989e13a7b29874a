package sense

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scientisst/gosense/scientisst"
)

func TestAPI(t *testing.T) {
	latest := &LatestFrame{}
	d := scientisst.NewDevice(scientisst.Config{Address: "5000", Mode: scientisst.ComModeTCP})
	metrics := NewMetrics(d, nil)
	api := NewAPI(BuildInfo{Version: "1.2.3", BuildDate: "today"}, testMetadata(false), latest, metrics, testLogger())
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	get := func(path string) (*http.Response, map[string]interface{}) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
		}
		return resp, body
	}

	resp, body := get("/version")
	if resp.StatusCode != http.StatusOK || body["version"] != "1.2.3" {
		t.Errorf("/version = %d %v", resp.StatusCode, body)
	}

	resp, body = get("/metadata")
	if resp.StatusCode != http.StatusOK || body["Sampling rate (Hz)"] != float64(1000) {
		t.Errorf("/metadata = %d %v", resp.StatusCode, body)
	}

	resp, _ = get("/frames/latest")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/frames/latest before any frame = %d", resp.StatusCode)
	}

	latest.OnRead([]scientisst.Frame{{Seq: 1, Raw: []uint32{1, 2}}, {Seq: 2, Raw: []uint32{3, 4}}})
	resp, body = get("/frames/latest")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(2) {
		t.Errorf("/frames/latest = %d %v", resp.StatusCode, body)
	}
	frame, _ := body["frame"].(map[string]interface{})
	if frame["seq"] != float64(2) {
		t.Errorf("latest frame = %v", frame)
	}

	resp, _ = get("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}

func TestListenAddr(t *testing.T) {
	for in, want := range map[string]string{
		"8080":           ":8080",
		":8080":          ":8080",
		"localhost:8080": "localhost:8080",
	} {
		if got := ListenAddr(in); got != want {
			t.Errorf("ListenAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
