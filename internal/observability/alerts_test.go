package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	jobmetrics "github.com/moemail/moemail/internal/jobs"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func loadAlertSpec(t *testing.T) alertSpec {
	t.Helper()
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "moemail.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read alert file: %v", err)
	}

	var spec alertSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		t.Fatalf("failed to unmarshal alert file: %v", err)
	}
	return spec
}

func TestAlertRules(t *testing.T) {
	spec := loadAlertSpec(t)

	if len(spec.Groups) == 0 {
		t.Fatal("expected at least one alert group")
	}

	var group *alertGroup
	for i := range spec.Groups {
		if spec.Groups[i].Name == "moemail" {
			group = &spec.Groups[i]
			break
		}
	}
	if group == nil {
		t.Fatal("moemail alert group missing")
	}

	expected := map[string]struct {
		severity string
		runbook  string
	}{
		"HighErrorRate":          {severity: "critical", runbook: "docs/runbook.md#high-error-rate"},
		"HighLatency":            {severity: "warning", runbook: "docs/runbook.md#high-latency"},
		"RedemptionFailureSpike": {severity: "warning", runbook: "docs/runbook.md#redemption-failures"},
		"MailboxPurgeFailing":    {severity: "warning", runbook: "docs/runbook.md#purge-failing"},
	}

	if len(group.Rules) != len(expected) {
		t.Fatalf("expected %d rules, got %d", len(expected), len(group.Rules))
	}

	for _, rule := range group.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			t.Fatalf("unexpected rule %q", rule.Alert)
		}
		if rule.Labels["severity"] != want.severity {
			t.Fatalf("rule %s severity mismatch: %s", rule.Alert, rule.Labels["severity"])
		}
		if rule.Annotations["runbook"] != want.runbook {
			t.Fatalf("rule %s runbook mismatch: %s", rule.Alert, rule.Annotations["runbook"])
		}
		if rule.Annotations["summary"] == "" || rule.Annotations["description"] == "" {
			t.Fatalf("rule %s must include summary and description annotations", rule.Alert)
		}
		if rule.Expr == "" {
			t.Fatalf("rule %s must define an expression", rule.Alert)
		}
		if rule.For == "" {
			t.Fatalf("rule %s must define a hold duration", rule.Alert)
		}
	}
}

var (
	selectorRE = regexp.MustCompile(`(moemail_[a-z_]+)(\{[^}]*\})?`)
	matcherRE  = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*(=~|!~|!=|=)`)
)

// exportedLabels gathers one sample of every collector the API and worker
// binaries register and returns the label names per metric family.
func exportedLabels(t *testing.T) map[string]map[string]bool {
	t.Helper()
	api := NewMetrics()
	handler := api.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/emails", nil))
	api.RecordRedemption("not_found")
	api.RecordQuotaDecision("allowed")

	workerRegistry := prometheus.NewRegistry()
	worker := jobmetrics.NewMetrics(workerRegistry)
	_ = worker.Track("mailbox:purge-expired").End(errors.New("boom"))
	worker.AddPurged(1)

	out := map[string]map[string]bool{}
	for _, g := range []prometheus.Gatherer{api.registry, workerRegistry} {
		families, err := g.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		for _, mf := range families {
			labels := map[string]bool{}
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					labels[lp.GetName()] = true
				}
			}
			out[mf.GetName()] = labels
		}
	}
	return out
}

func TestAlertExpressionsReferenceExportedMetrics(t *testing.T) {
	spec := loadAlertSpec(t)
	exported := exportedLabels(t)

	for _, group := range spec.Groups {
		for _, rule := range group.Rules {
			matches := selectorRE.FindAllStringSubmatch(rule.Expr, -1)
			if len(matches) == 0 {
				t.Fatalf("rule %s references no moemail metric", rule.Alert)
			}
			for _, m := range matches {
				name := m[1]
				for _, suffix := range []string{"_bucket", "_sum", "_count"} {
					if trimmed := strings.TrimSuffix(name, suffix); trimmed != name {
						if _, ok := exported[trimmed]; ok {
							name = trimmed
							break
						}
					}
				}
				labels, ok := exported[name]
				if !ok {
					t.Errorf("rule %s references %s, which no binary registers", rule.Alert, m[1])
					continue
				}
				for _, lm := range matcherRE.FindAllStringSubmatch(m[2], -1) {
					if !labels[lm[1]] {
						t.Errorf("rule %s selects on label %q, which %s does not carry", rule.Alert, lm[1], name)
					}
				}
			}
		}
	}
}

func TestRunbookAnchorsExist(t *testing.T) {
	spec := loadAlertSpec(t)
	data, err := os.ReadFile(filepath.Join("..", "..", "docs", "runbook.md"))
	if err != nil {
		t.Fatalf("failed to read runbook: %v", err)
	}
	anchors := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			anchors[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(heading)), " ", "-")] = true
		}
	}
	for _, group := range spec.Groups {
		for _, rule := range group.Rules {
			file, anchor, ok := strings.Cut(rule.Annotations["runbook"], "#")
			if !ok || file != "docs/runbook.md" {
				t.Fatalf("rule %s runbook must point into docs/runbook.md", rule.Alert)
			}
			if !anchors[anchor] {
				t.Errorf("rule %s runbook anchor %q has no matching section", rule.Alert, anchor)
			}
		}
	}
}
