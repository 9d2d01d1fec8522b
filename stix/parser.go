// Package stix parses a MITRE ATT&CK STIX bundle into an indexed
// TechniqueCatalog: attack-patterns become Techniques, resolved against
// their tactics, mitigations, and (for sub-techniques) their parent.
package stix

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/keyword"
)

// Config controls which optional STIX relations the parser resolves.
type Config struct {
	IncludeSubtechniques bool
	IncludeTactics       bool
	IncludeDataSources   bool
	ExtractKeywords      bool
}

// DefaultConfig resolves every relation and extracts keywords.
func DefaultConfig() Config {
	return Config{
		IncludeSubtechniques: true,
		IncludeTactics:       true,
		IncludeDataSources:   true,
		ExtractKeywords:      true,
	}
}

type externalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type killChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type baseObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type attackPattern struct {
	Type            string              `json:"type"`
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	ExternalRefs    []externalReference `json:"external_references"`
	KillChainPhases []killChainPhase    `json:"kill_chain_phases"`
	Platforms       []string            `json:"x_mitre_platforms"`
	DataSources     []string            `json:"x_mitre_data_sources"`
	Detection       string              `json:"x_mitre_detection"`
	Created         time.Time           `json:"created"`
	Modified        time.Time           `json:"modified"`
}

type courseOfAction struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	ExternalRefs []externalReference `json:"external_references"`
}

type relationship struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

type bundle struct {
	Type    string            `json:"type"`
	Objects []json.RawMessage `json:"objects"`
}

func externalID(refs []externalReference) (string, string) {
	for _, r := range refs {
		if strings.EqualFold(r.SourceName, "mitre-attack") && r.ExternalID != "" {
			return r.ExternalID, r.URL
		}
	}
	return "", ""
}

// Parse validates and parses a STIX bundle into a TechniqueCatalog.
// version is recorded on the resulting catalog (the Fetcher determines it;
// StixParser has no opinion on bundle versioning).
func Parse(raw []byte, version string, cfg Config) (*attackscore.TechniqueCatalog, error) {
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, attackscore.InvalidBundle("malformed bundle json: %v", err)
	}
	if b.Type != "bundle" || b.Objects == nil {
		return nil, attackscore.InvalidBundle(`bundle must have type "bundle" and an objects array`)
	}

	techniquesByStixID := make(map[string]*attackscore.Technique)
	mitigations := make(map[string]courseOfAction)
	var rels []relationship

	hasAttackPattern := false

	for _, rawObj := range b.Objects {
		var bo baseObject
		if err := json.Unmarshal(rawObj, &bo); err != nil {
			continue
		}
		switch bo.Type {
		case "attack-pattern":
			hasAttackPattern = true
			var ap attackPattern
			if err := json.Unmarshal(rawObj, &ap); err != nil {
				continue
			}
			t := buildTechnique(ap, cfg)
			techniquesByStixID[ap.ID] = t

		case "course-of-action":
			var co courseOfAction
			if err := json.Unmarshal(rawObj, &co); err == nil {
				mitigations[co.ID] = co
			}

		case "relationship":
			var r relationship
			if err := json.Unmarshal(rawObj, &r); err == nil {
				rels = append(rels, r)
			}
		}
	}

	if !hasAttackPattern {
		return nil, attackscore.InvalidBundle("bundle contains no attack-pattern objects")
	}

	resolveSubtechniques(techniquesByStixID, rels, cfg)
	resolveMitigations(techniquesByStixID, mitigations, rels)

	if cfg.ExtractKeywords {
		for _, t := range techniquesByStixID {
			for kw := range keyword.Extract(t.Description, t.Name, true) {
				t.Keywords[kw] = struct{}{}
			}
		}
	}

	byId := make(map[attackscore.TechniqueId]*attackscore.Technique, len(techniquesByStixID)*2)
	for stixID, t := range techniquesByStixID {
		if !cfg.IncludeSubtechniques && strings.Contains(string(t.Id), ".") {
			continue
		}
		byId[attackscore.TechniqueId(stixID)] = t
		byId[t.Id] = t
	}

	tacticsToTechniques := make(map[string]map[attackscore.TechniqueId]struct{})
	for _, t := range byId {
		for _, tactic := range t.Tactics {
			set, ok := tacticsToTechniques[tactic]
			if !ok {
				set = make(map[attackscore.TechniqueId]struct{})
				tacticsToTechniques[tactic] = set
			}
			set[t.Id] = struct{}{}
		}
	}

	return &attackscore.TechniqueCatalog{
		ById:                byId,
		TacticsToTechniques: tacticsToTechniques,
		Version:             version,
	}, nil
}

func buildTechnique(ap attackPattern, cfg Config) *attackscore.Technique {
	extID, url := externalID(ap.ExternalRefs)
	id := attackscore.TechniqueId(extID)
	if id == "" {
		id = attackscore.TechniqueId(ap.ID)
	}

	var tactics []string
	if cfg.IncludeTactics {
		for _, kc := range ap.KillChainPhases {
			if kc.KillChainName == "mitre-attack" {
				tactics = append(tactics, kc.PhaseName)
			}
		}
	}

	var dataSources []string
	if cfg.IncludeDataSources {
		dataSources = ap.DataSources
	}

	return &attackscore.Technique{
		Id:          id,
		Name:        ap.Name,
		Description: ap.Description,
		Tactics:     tactics,
		Platforms:   ap.Platforms,
		DataSources: dataSources,
		Detection:   ap.Detection,
		Url:         url,
		Keywords:    make(map[string]struct{}),
		CreatedAt:   ap.Created,
		ModifiedAt:  ap.Modified,
	}
}

// resolveSubtechniques walks relationship_type == "subtechnique-of" edges:
// source_ref is the child, target_ref the parent. STIX bundles carry no
// ordering guarantee over objects/relationships, so edges are scanned into
// a complete child->parent map first; only once every edge is known is a
// child whose parent is itself a sub-technique (the chained or cyclic
// case) rejected. A single interleaved pass would make that rejection
// depend on relationship order, accepting a chain whose edges happen to
// appear parent-first.
func resolveSubtechniques(byStixID map[string]*attackscore.Technique, rels []relationship, cfg Config) {
	if !cfg.IncludeSubtechniques {
		return
	}

	parentOf := make(map[string]string)
	for _, r := range rels {
		if r.RelationshipType != "subtechnique-of" {
			continue
		}
		if r.SourceRef == r.TargetRef {
			continue // self-loop
		}
		if _, ok := byStixID[r.SourceRef]; !ok {
			continue
		}
		if _, ok := byStixID[r.TargetRef]; !ok {
			continue
		}
		parentOf[r.SourceRef] = r.TargetRef
	}

	children := make([]string, 0, len(parentOf))
	for child := range parentOf {
		children = append(children, child)
	}
	sort.Strings(children)

	for _, child := range children {
		parent := parentOf[child]
		if _, parentHasParent := parentOf[parent]; parentHasParent {
			continue // parent is itself a sub-technique: reject the edge
		}
		childTech := byStixID[child]
		parentTech := byStixID[parent]
		childTech.ParentId = parentTech.Id
		parentTech.Children = append(parentTech.Children, childTech.Id)
	}
}

// resolveMitigations walks relationship_type == "mitigates" edges:
// source_ref is the mitigation, target_ref the technique.
func resolveMitigations(byStixID map[string]*attackscore.Technique, mitigations map[string]courseOfAction, rels []relationship) {
	for _, r := range rels {
		if r.RelationshipType != "mitigates" {
			continue
		}
		t, ok := byStixID[r.TargetRef]
		if !ok {
			continue
		}
		co, ok := mitigations[r.SourceRef]
		if !ok {
			continue
		}
		extID, _ := externalID(co.ExternalRefs)
		if extID == "" {
			extID = co.ID
		}
		t.Mitigations = append(t.Mitigations, attackscore.MitigationRef{
			Id:          extID,
			Name:        co.Name,
			Description: co.Description,
		})
	}
}
