package derivation

import "strings"

// ErrJSONExtensionPoint marks the presence of a "__json" environment
// key: a declared extension point this implementation does not
// interpret further, but whose presence callers may want to detect.
var ErrJSONExtensionPoint = &jsonExtensionPoint{}

type jsonExtensionPoint struct{}

func (*jsonExtensionPoint) Error() string {
	return "derivation: __json extension point present"
}

// ParsedDerivation is a thin, read-only view over a Derivation's
// environment offering the typed attribute lookups builders and the
// worker use to decide how to build a derivation.
type ParsedDerivation struct {
	drv *Derivation
}

// NewParsedDerivation wraps drv.
func NewParsedDerivation(drv *Derivation) *ParsedDerivation {
	return &ParsedDerivation{drv: drv}
}

// HasJSONExtension reports whether "__json" is present in env.
func (p *ParsedDerivation) HasJSONExtension() bool {
	_, ok := p.drv.Env["__json"]

	return ok
}

// CheckSupported returns ErrJSONExtensionPoint if the derivation
// declares the "__json" extension point, since this implementation
// does not interpret structured-attrs derivations any further.
func (p *ParsedDerivation) CheckSupported() error {
	if p.HasJSONExtension() {
		return ErrJSONExtensionPoint
	}

	return nil
}

// GetStringAttr returns env[name] and whether it was present.
func (p *ParsedDerivation) GetStringAttr(name string) (string, bool) {
	v, ok := p.drv.Env[name]

	return v, ok
}

// GetBoolAttrDefault returns whether env[name] == "1", or def if absent.
func (p *ParsedDerivation) GetBoolAttrDefault(name string, def bool) bool {
	v, ok := p.drv.Env[name]
	if !ok {
		return def
	}

	return v == "1"
}

// GetStringsAttr splits env[name] on whitespace.
func (p *ParsedDerivation) GetStringsAttr(name string) []string {
	v, ok := p.drv.Env[name]
	if !ok {
		return nil
	}

	return strings.Fields(v)
}

// RequiredSystemFeatures returns the "requiredSystemFeatures" attribute,
// split on whitespace.
func (p *ParsedDerivation) RequiredSystemFeatures() []string {
	return p.GetStringsAttr("requiredSystemFeatures")
}

// CanBuildLocally reports whether the derivation's platform and
// required system features are satisfiable by the local host: platform
// must equal localSystem or appear in extraPlatforms (or the builder
// must be one of the host's built-in builders), and every required
// feature must be present in systemFeatures.
func (p *ParsedDerivation) CanBuildLocally(localSystem string, extraPlatforms, systemFeatures []string, builtinBuilders []string) bool {
	platformOK := p.drv.Platform == localSystem || contains(extraPlatforms, p.drv.Platform)
	if !platformOK {
		for _, b := range builtinBuilders {
			if p.drv.Builder == b {
				platformOK = true

				break
			}
		}
	}

	if !platformOK {
		return false
	}

	for _, f := range p.RequiredSystemFeatures() {
		if !contains(systemFeatures, f) {
			return false
		}
	}

	return true
}

// WillBuildLocally reports whether this derivation prefers and is able
// to build on the local host.
func (p *ParsedDerivation) WillBuildLocally(localSystem string, extraPlatforms, systemFeatures []string, builtinBuilders []string) bool {
	return p.GetBoolAttrDefault("preferLocalBuild", false) &&
		p.CanBuildLocally(localSystem, extraPlatforms, systemFeatures, builtinBuilders)
}

// SubstitutesAllowed reports the "allowSubstitutes" attribute, default
// true.
func (p *ParsedDerivation) SubstitutesAllowed() bool {
	return p.GetBoolAttrDefault("allowSubstitutes", true)
}

// ContentAddressed reports whether "__contentAddressed" is present.
func (p *ParsedDerivation) ContentAddressed() bool {
	_, ok := p.GetStringAttr("__contentAddressed")

	return ok
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}
