package policy

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// maxDocumentBytes caps policy documents read from disk or S3.
const maxDocumentBytes = 1 << 20

// Duration is a time.Duration written as a Go duration string ("15m", "24h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return xerrors.Wrapf(err, "line %d: duration", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return xerrors.Wrapf(err, "line %d: duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// document is the on-disk layout. Classes listed in a document are merged over
// the built-in class of the same name; routes, when present, replace the
// built-in routes entirely.
type document struct {
	DefaultClass string              `yaml:"default_class,omitempty"`
	DecayDelay   *Duration           `yaml:"decay_delay,omitempty"`
	Abuse        *abuseDoc           `yaml:"abuse,omitempty"`
	Classes      map[string]classDoc `yaml:"classes,omitempty"`
	Routes       []routeDoc          `yaml:"routes,omitempty"`
}

type abuseDoc struct {
	MaxRequestRate      float64  `yaml:"max_request_rate,omitempty"`
	MaxEndpoints        int      `yaml:"max_endpoints,omitempty"`
	MaxClientSignatures int      `yaml:"max_client_signatures,omitempty"`
	ProfileLifetime     Duration `yaml:"profile_lifetime,omitempty"`
	// MinElapsed is the shortest span a request rate is averaged over.
	MinElapsed Duration `yaml:"min_elapsed,omitempty"`
}

type classDoc struct {
	Window         Duration `yaml:"window,omitempty"`
	Quota          *int     `yaml:"quota,omitempty"`
	Message        string   `yaml:"message,omitempty"`
	Adjustment     string   `yaml:"adjustment,omitempty"`
	AuthMultiplier float64  `yaml:"auth_multiplier,omitempty"`
	PenaltyStep    float64  `yaml:"penalty_step,omitempty"`
	PenaltyFloor   *float64 `yaml:"penalty_floor,omitempty"`
	Bypass         bool     `yaml:"bypass,omitempty"`
}

type routeDoc struct {
	Prefix string `yaml:"prefix"`
	Class  string `yaml:"class"`
	Exact  bool   `yaml:"exact,omitempty"`
}

// Parse decodes a YAML document over the built-in defaults and validates the
// result. Unknown keys are errors. An empty document yields the defaults.
func Parse(data []byte) (Table, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Table{}, xerrors.Wrap(err, "decode policy document")
	}

	t := Defaults()
	doc.apply(&t)

	if err := t.Validate(); err != nil {
		return Table{}, xerrors.Wrap(err, "invalid policy document")
	}
	return t, nil
}

func (doc document) apply(t *Table) {
	if doc.DefaultClass != "" {
		t.DefaultClass = admission.Class(doc.DefaultClass)
	}
	if doc.DecayDelay != nil {
		t.DecayDelay = time.Duration(*doc.DecayDelay)
	}
	if a := doc.Abuse; a != nil {
		if a.MaxRequestRate != 0 {
			t.Abuse.MaxRequestRate = a.MaxRequestRate
		}
		if a.MaxEndpoints != 0 {
			t.Abuse.MaxEndpoints = a.MaxEndpoints
		}
		if a.MaxClientSignatures != 0 {
			t.Abuse.MaxSignatures = a.MaxClientSignatures
		}
		if a.ProfileLifetime != 0 {
			t.Abuse.ProfileLifetime = time.Duration(a.ProfileLifetime)
		}
		if a.MinElapsed != 0 {
			t.Abuse.MinElapsed = time.Duration(a.MinElapsed)
		}
	}
	for name, cd := range doc.Classes {
		class := admission.Class(name)
		t.Policies[class] = cd.merge(t.Policies[class])
	}
	if doc.Routes != nil {
		t.Routes = make([]Route, 0, len(doc.Routes))
		for _, r := range doc.Routes {
			t.Routes = append(t.Routes, Route{Prefix: r.Prefix, Class: admission.Class(r.Class), Exact: r.Exact})
		}
	}
}

// merge overlays the fields set in cd onto base.
func (cd classDoc) merge(base admission.QuotaPolicy) admission.QuotaPolicy {
	p := base
	if cd.Bypass {
		return admission.QuotaPolicy{Bypass: true}
	}
	p.Bypass = false
	if cd.Window != 0 {
		p.Window = time.Duration(cd.Window)
	}
	if cd.Quota != nil {
		p.BaseQuota = *cd.Quota
	}
	if cd.Message != "" {
		p.Message = cd.Message
	}

	kind := p.Adjustment.Kind
	if cd.Adjustment != "" {
		kind = admission.AdjustmentKind(cd.Adjustment)
	}
	switch kind {
	case admission.AdjustAuthBonus:
		adj := admission.AuthBonus(admission.DefaultAuthMultiplier)
		if base.Adjustment.Kind == kind {
			adj.Multiplier = base.Adjustment.Multiplier
		}
		if cd.AuthMultiplier != 0 {
			adj.Multiplier = cd.AuthMultiplier
		}
		p.Adjustment = adj
	case admission.AdjustProgressive:
		adj := admission.Progressive(admission.DefaultPenaltyStep, admission.DefaultPenaltyFloor)
		if base.Adjustment.Kind == kind {
			adj.Step, adj.Floor = base.Adjustment.Step, base.Adjustment.Floor
		}
		if cd.PenaltyStep != 0 {
			adj.Step = cd.PenaltyStep
		}
		if cd.PenaltyFloor != nil {
			adj.Floor = *cd.PenaltyFloor
		}
		p.Adjustment = adj
	case "":
		p.Adjustment = admission.NoAdjustment()
	default:
		// left for QuotaPolicy.Validate to reject
		p.Adjustment = admission.Adjustment{Kind: kind}
	}
	if p.Message == "" {
		p.Message = "Too many requests, please try again later."
	}
	return p
}

// LoadFile reads and parses a policy document from path.
func LoadFile(path string) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open policy file %s", path)
	}
	defer f.Close()

	data, err := readDocument(f)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy file %s", path)
	}
	return &Loaded{
		Table:    t,
		Source:   "file:" + path,
		SHA256:   cryptoutil.SHA256Hex(data),
		LoadedAt: time.Now().UTC(),
	}, nil
}

// Marshal renders t as a complete YAML document that Parse reads back to an
// equal table.
func Marshal(t Table) ([]byte, error) {
	doc := document{
		DefaultClass: string(t.DefaultClass),
		Abuse: &abuseDoc{
			MaxRequestRate:      t.Abuse.MaxRequestRate,
			MaxEndpoints:        t.Abuse.MaxEndpoints,
			MaxClientSignatures: t.Abuse.MaxSignatures,
			ProfileLifetime:     Duration(t.Abuse.ProfileLifetime),
			MinElapsed:          Duration(t.Abuse.MinElapsed),
		},
		Classes: make(map[string]classDoc, len(t.Policies)),
		Routes:  make([]routeDoc, 0, len(t.Routes)),
	}
	dd := Duration(t.DecayDelay)
	doc.DecayDelay = &dd

	for class, p := range t.Policies {
		if p.Bypass {
			doc.Classes[string(class)] = classDoc{Bypass: true}
			continue
		}
		q := p.BaseQuota
		cd := classDoc{
			Window:     Duration(p.Window),
			Quota:      &q,
			Message:    p.Message,
			Adjustment: string(p.Adjustment.Kind),
		}
		switch p.Adjustment.Kind {
		case admission.AdjustAuthBonus:
			cd.AuthMultiplier = p.Adjustment.Multiplier
		case admission.AdjustProgressive:
			floor := p.Adjustment.Floor
			cd.PenaltyStep = p.Adjustment.Step
			cd.PenaltyFloor = &floor
		}
		doc.Classes[string(class)] = cd
	}
	for _, r := range t.Routes {
		doc.Routes = append(doc.Routes, routeDoc{Prefix: r.Prefix, Class: string(r.Class), Exact: r.Exact})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, xerrors.Wrap(err, "encode policy document")
	}
	if err := enc.Close(); err != nil {
		return nil, xerrors.Wrap(err, "encode policy document")
	}
	return buf.Bytes(), nil
}

func readDocument(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, xerrors.Newf("policy document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}
