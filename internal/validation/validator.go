package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/lab-analyzer/backend/internal/models"
)

// RejectionKind separates honest-but-wrong input from hostile input.
type RejectionKind string

const (
	RejectValidation RejectionKind = "validation"
	RejectSecurity   RejectionKind = "security"
)

// Rejection is a structured refusal. Reason is safe to show to the client.
type Rejection struct {
	Kind   RejectionKind `json:"kind"`
	Reason string        `json:"reason"`
	Threat Threat        `json:"threat,omitempty"`

	// Unsupported is set when the content is a type outside the allow-list.
	Unsupported bool `json:"unsupported,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Threat != "" {
		return fmt.Sprintf("%s rejection (%s): %s", r.Kind, r.Threat, r.Reason)
	}
	return fmt.Sprintf("%s rejection: %s", r.Kind, r.Reason)
}

// Result is the outcome of Validate. Exactly one of Type (when Accepted)
// or Rejection is meaningful.
type Result struct {
	Accepted  bool              `json:"accepted"`
	Type      FileType          `json:"type"`
	Detected  Detection         `json:"detected"`
	Declared  string            `json:"declared"`
	SHA256    string            `json:"sha256"`
	Scan      models.ScanResult `json:"scan"`
	Rejection *Rejection        `json:"rejection,omitempty"`
}

// ErrNoAllowedTypes is returned when the validator was built without an allow-list.
var ErrNoAllowedTypes = errors.New("validator has no allowed file types")

// Validator checks uploads against an allow-list of file types.
type Validator struct {
	allowed map[string]FileType
}

// New creates a Validator from an allow-list such as ".csv,.xlsx,.cdf,.jdx".
func New(allowList string) (*Validator, error) {
	allowed, err := ParseAllowList(allowList)
	if err != nil {
		return nil, err
	}
	return &Validator{allowed: allowed}, nil
}

// AllowedTypes returns the names of the accepted types, sorted.
func (v *Validator) AllowedTypes() []string {
	names := make([]string, 0, len(v.allowed))
	for name := range v.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate decides whether content may enter the pipeline. Malformed or
// hostile input yields a Result with a Rejection; the error return is kept
// for a misconfigured validator.
func (v *Validator) Validate(content []byte, filename string) (*Result, error) {
	if v == nil || len(v.allowed) == 0 {
		return nil, ErrNoAllowedTypes
	}

	sum := sha256.Sum256(content)
	res := &Result{
		Declared: DeclaredExtension(filename),
		SHA256:   hex.EncodeToString(sum[:]),
		Scan:     models.ScanResult{Checked: ScannedCategories},
	}
	reject := func(r *Rejection) (*Result, error) {
		res.Rejection = r
		return res, nil
	}

	if r := CheckFilename(filename); r != nil {
		return reject(r)
	}

	res.Detected = Sniff(content)
	if res.Detected.Type == typeEmpty {
		return reject(&Rejection{Kind: RejectValidation, Reason: "file is empty"})
	}

	ft, ok := v.allowed[res.Detected.Type]
	if !ok {
		r := &Rejection{Kind: RejectValidation, Unsupported: true}
		if executableTypes[res.Detected.Type] {
			r.Kind = RejectSecurity
			r.Threat = ThreatExecutable
			r.Unsupported = false
		}
		if res.Declared != res.Detected.Type {
			r.Reason = fmt.Sprintf("content type mismatch: declared .%s but content is %s, which is not an accepted type",
				res.Declared, res.Detected.Type)
		} else {
			r.Reason = fmt.Sprintf("file type %s is not accepted", res.Detected.Type)
		}
		return reject(r)
	}

	if !ft.HasExtension(res.Declared) {
		return reject(&Rejection{
			Kind:   RejectValidation,
			Reason: fmt.Sprintf("extension mismatch: declared .%s but content is %s", res.Declared, ft.Name),
		})
	}

	if threats := Scan(content, res.Detected); len(threats) > 0 {
		return reject(&Rejection{
			Kind:   RejectSecurity,
			Reason: fmt.Sprintf("malicious content detected: %s", threats[0]),
			Threat: threats[0],
		})
	}

	res.Accepted = true
	res.Type = ft
	res.Scan.Passed = true
	return res, nil
}
