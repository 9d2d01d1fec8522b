package stix

import (
	"encoding/json"
	"testing"

	attackscore "github.com/mitreval/attackscore"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return json.RawMessage(b)
}

func attackPatternObj(t *testing.T, stixID, externalID, name string) json.RawMessage {
	t.Helper()
	return mustRaw(t, attackPattern{
		Type:        "attack-pattern",
		ID:          stixID,
		Name:        name,
		Description: name + " description",
		ExternalRefs: []externalReference{
			{SourceName: "mitre-attack", ExternalID: externalID, URL: "https://attack.mitre.org/techniques/" + externalID},
		},
		KillChainPhases: []killChainPhase{
			{KillChainName: "mitre-attack", PhaseName: "initial-access"},
		},
		DataSources: []string{"Process: Process Creation"},
	})
}

func subtechniqueOfRel(id, child, parent string) json.RawMessage {
	return mustRawNoT(relationship{
		Type: "relationship", ID: id, RelationshipType: "subtechnique-of",
		SourceRef: child, TargetRef: parent,
	})
}

func mustRawNoT(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return json.RawMessage(b)
}

func buildBundle(objects ...json.RawMessage) []byte {
	b, _ := json.Marshal(bundle{Type: "bundle", Objects: objects})
	return b
}

func TestParseRejectsNonBundle(t *testing.T) {
	_, err := Parse([]byte(`{"type":"not-a-bundle","objects":[]}`), "v1", DefaultConfig())
	if err == nil {
		t.Fatal("expected error for non-bundle type")
	}
}

func TestParseRejectsBundleWithNoAttackPatterns(t *testing.T) {
	raw := buildBundle(mustRawNoT(courseOfAction{Type: "course-of-action", ID: "course-of-action--1", Name: "Mitigation"}))
	_, err := Parse(raw, "v1", DefaultConfig())
	if err == nil {
		t.Fatal("expected error for a bundle with no attack-pattern objects")
	}
}

func TestParseAliasesStixAndExternalIds(t *testing.T) {
	raw := buildBundle(attackPatternObj(t, "attack-pattern--1", "T1566", "Phishing"))
	catalog, err := Parse(raw, "v1", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	byExternal, ok := catalog.Lookup("T1566")
	if !ok {
		t.Fatal("expected lookup by external id to succeed")
	}
	byStix, ok := catalog.Lookup("attack-pattern--1")
	if !ok {
		t.Fatal("expected lookup by stix id to succeed")
	}
	if byExternal != byStix {
		t.Error("expected both ids to alias the same Technique")
	}
	if len(catalog.Techniques()) != 1 {
		t.Errorf("expected Techniques() to dedupe the aliased entry, got %d", len(catalog.Techniques()))
	}
}

func TestParseResolvesSubtechniqueRegardlessOfRelationshipOrder(t *testing.T) {
	// Chain A -> B -> C. Edges are listed child-before-parent here (A->B
	// before B->C); a second variant below lists them parent-before-child.
	base := []json.RawMessage{
		attackPatternObj(t, "attack-pattern--a", "T1.001", "A"),
		attackPatternObj(t, "attack-pattern--b", "T1.002", "B"),
		attackPatternObj(t, "attack-pattern--c", "T1", "C"),
	}

	orderAfirst := append(append([]json.RawMessage{}, base...),
		subtechniqueOfRel("relationship--1", "attack-pattern--a", "attack-pattern--b"),
		subtechniqueOfRel("relationship--2", "attack-pattern--b", "attack-pattern--c"),
	)
	orderBfirst := append(append([]json.RawMessage{}, base...),
		subtechniqueOfRel("relationship--2", "attack-pattern--b", "attack-pattern--c"),
		subtechniqueOfRel("relationship--1", "attack-pattern--a", "attack-pattern--b"),
	)

	for name, objs := range map[string][]json.RawMessage{"A-edge-first": orderAfirst, "B-edge-first": orderBfirst} {
		t.Run(name, func(t *testing.T) {
			catalog, err := Parse(buildBundle(objs...), "v1", DefaultConfig())
			if err != nil {
				t.Fatal(err)
			}
			a, _ := catalog.Lookup("T1.001")
			b, _ := catalog.Lookup("T1.002")
			if a.ParentId != "" {
				t.Errorf("expected A->B to be rejected since B is itself a sub-technique of C, got parent %q", a.ParentId)
			}
			if b.ParentId != "T1" {
				t.Errorf("expected B's parent to be C (T1), got %q", b.ParentId)
			}
		})
	}
}

func TestParseRejectsSelfLoopSubtechnique(t *testing.T) {
	raw := buildBundle(
		attackPatternObj(t, "attack-pattern--a", "T1.001", "A"),
		subtechniqueOfRel("relationship--1", "attack-pattern--a", "attack-pattern--a"),
	)
	catalog, err := Parse(raw, "v1", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := catalog.Lookup("T1.001")
	if a.ParentId != "" {
		t.Errorf("expected self-loop edge to be rejected, got parent %q", a.ParentId)
	}
}

func TestParseExcludesSubtechniquesWhenDisabled(t *testing.T) {
	raw := buildBundle(
		attackPatternObj(t, "attack-pattern--a", "T1.001", "A"),
		attackPatternObj(t, "attack-pattern--b", "T1", "B"),
		subtechniqueOfRel("relationship--1", "attack-pattern--a", "attack-pattern--b"),
	)
	cfg := DefaultConfig()
	cfg.IncludeSubtechniques = false
	catalog, err := Parse(raw, "v1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := catalog.Lookup("T1.001"); ok {
		t.Error("expected sub-technique to be excluded from the catalog")
	}
	if _, ok := catalog.Lookup("T1"); !ok {
		t.Error("expected the parent technique to remain in the catalog")
	}
}

func TestParseOmitsTacticsWhenDisabled(t *testing.T) {
	raw := buildBundle(attackPatternObj(t, "attack-pattern--a", "T1566", "Phishing"))
	cfg := DefaultConfig()
	cfg.IncludeTactics = false
	catalog, err := Parse(raw, "v1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := catalog.Lookup("T1566")
	if len(t1.Tactics) != 0 {
		t.Errorf("expected no tactics, got %v", t1.Tactics)
	}
	if len(catalog.TacticsToTechniques) != 0 {
		t.Errorf("expected empty tactic index, got %v", catalog.TacticsToTechniques)
	}
}

func TestParseOmitsDataSourcesWhenDisabled(t *testing.T) {
	raw := buildBundle(attackPatternObj(t, "attack-pattern--a", "T1566", "Phishing"))
	cfg := DefaultConfig()
	cfg.IncludeDataSources = false
	catalog, err := Parse(raw, "v1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := catalog.Lookup("T1566")
	if len(t1.DataSources) != 0 {
		t.Errorf("expected no data sources, got %v", t1.DataSources)
	}
}

func TestParseBuildsTacticsIndex(t *testing.T) {
	raw := buildBundle(attackPatternObj(t, "attack-pattern--a", "T1566", "Phishing"))
	catalog, err := Parse(raw, "v1", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	techniques, ok := catalog.TacticsToTechniques["initial-access"]
	if !ok {
		t.Fatal("expected initial-access tactic to be indexed")
	}
	if _, ok := techniques[attackscore.TechniqueId("T1566")]; !ok {
		t.Error("expected T1566 under initial-access")
	}
}

func TestParseResolvesMitigation(t *testing.T) {
	raw := buildBundle(
		attackPatternObj(t, "attack-pattern--a", "T1566", "Phishing"),
		mustRawNoT(courseOfAction{
			Type: "course-of-action", ID: "course-of-action--1", Name: "User Training",
			Description: "Train users to recognize phishing.",
			ExternalRefs: []externalReference{
				{SourceName: "mitre-attack", ExternalID: "M1017"},
			},
		}),
		mustRawNoT(relationship{
			Type: "relationship", ID: "relationship--1", RelationshipType: "mitigates",
			SourceRef: "course-of-action--1", TargetRef: "attack-pattern--a",
		}),
	)
	catalog, err := Parse(raw, "v1", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := catalog.Lookup("T1566")
	if len(t1.Mitigations) != 1 {
		t.Fatalf("expected 1 mitigation, got %d", len(t1.Mitigations))
	}
	if t1.Mitigations[0].Id != "M1017" || t1.Mitigations[0].Name != "User Training" {
		t.Errorf("unexpected mitigation: %+v", t1.Mitigations[0])
	}
}

func TestParseExtractsKeywordsWhenEnabled(t *testing.T) {
	raw := buildBundle(attackPatternObj(t, "attack-pattern--a", "T1566", "Phishing"))
	catalog, err := Parse(raw, "v1", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	t1, _ := catalog.Lookup("T1566")
	if len(t1.Keywords) == 0 {
		t.Error("expected keywords to be extracted")
	}
}
