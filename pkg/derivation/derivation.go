package derivation

import (
	"fmt"
	"strings"

	"github.com/nixcore/nixd/pkg/storepath"
)

// InvalidDerivation is returned for any structural violation while
// lifting a parsed AST into a Derivation: wrong arity, wrong variant at
// a position, or an unparsable store path.
type InvalidDerivation struct {
	Msg string
}

func (e *InvalidDerivation) Error() string {
	return "derivation: invalid derivation: " + e.Msg
}

func invalid(format string, args ...any) error {
	return &InvalidDerivation{Msg: fmt.Sprintf(format, args...)}
}

// DefaultStoreDir is the store directory ".drv" paths are resolved
// against when the caller has no configured override.
const DefaultStoreDir = "/nix/store"

// DerivationOutput is one output of a derivation: its declared path,
// and, for fixed-output derivations, the expected content hash.
type DerivationOutput struct {
	Name     string
	Path     storepath.Path
	HashAlgo string // empty unless fixed-output
	Hash     string // empty unless fixed-output
}

// IsFixed reports whether this output has a declared content hash.
func (o DerivationOutput) IsFixed() bool {
	return o.HashAlgo != "" && o.Hash != ""
}

// InputDerivation names an input ".drv" and the subset of its outputs
// this derivation depends on.
type InputDerivation struct {
	Path    storepath.Path
	Outputs []string
}

// Derivation is the typed 7-tuple lifted from a parsed ".drv" AST.
type Derivation struct {
	Outputs          []DerivationOutput
	InputDerivations []InputDerivation
	InputSources     []storepath.Path
	Platform         string
	Builder          string
	Args             []string
	Env              map[string]string
	// EnvOrder preserves the on-disk environment key order so
	// round-tripping a derivation reproduces byte-identical output.
	EnvOrder []string
	// StoreDir is the store directory every path field was resolved
	// against, and that MarshalText renders paths back under.
	StoreDir string
}

// Lift validates node's shape and builds a Derivation from it. node must
// be the Tuple returned by Parse (or parseTerm). storeDir is the store
// directory ".drv" path fields are prefixed with on disk, e.g.
// "/nix/store".
func Lift(node Node, storeDir string) (*Derivation, error) {
	tuple, ok := node.(Tuple)
	if !ok {
		if _, ok := node.(Empty); ok {
			return nil, invalid("top-level term has no elements, want 7")
		}

		return nil, invalid("top-level term is not a tuple")
	}

	if len(tuple.Elems) != 7 {
		return nil, invalid("top-level tuple has %d elements, want 7", len(tuple.Elems))
	}

	outputs, err := liftOutputs(tuple.Elems[0], storeDir)
	if err != nil {
		return nil, err
	}

	inputDrvs, err := liftInputDerivations(tuple.Elems[1], storeDir)
	if err != nil {
		return nil, err
	}

	inputSrcs, err := liftInputSources(tuple.Elems[2], storeDir)
	if err != nil {
		return nil, err
	}

	platform, err := liftString(tuple.Elems[3], "platform")
	if err != nil {
		return nil, err
	}

	builder, err := liftString(tuple.Elems[4], "builder")
	if err != nil {
		return nil, err
	}

	args, err := liftStringArray(tuple.Elems[5], "args")
	if err != nil {
		return nil, err
	}

	env, order, err := liftEnv(tuple.Elems[6])
	if err != nil {
		return nil, err
	}

	return &Derivation{
		Outputs:          outputs,
		InputDerivations: inputDrvs,
		InputSources:     inputSrcs,
		Platform:         platform,
		Builder:          builder,
		Args:             args,
		Env:              env,
		EnvOrder:         order,
		StoreDir:         storeDir,
	}, nil
}

func asArray(n Node) ([]Node, bool) {
	switch v := n.(type) {
	case Array:
		return v.Elems, true
	case Empty:
		return nil, true
	default:
		return nil, false
	}
}

func asTuple(n Node) ([]Node, bool) {
	switch v := n.(type) {
	case Tuple:
		return v.Elems, true
	case Empty:
		return nil, true
	default:
		return nil, false
	}
}

func liftOutputs(n Node, storeDir string) ([]DerivationOutput, error) {
	elems, ok := asArray(n)
	if !ok {
		return nil, invalid("position 1 (outputs): not an array")
	}

	var outputs []DerivationOutput

	for _, e := range elems {
		fields, ok := asTuple(e)
		if !ok || len(fields) != 4 {
			return nil, invalid("position 1 (outputs): each entry must be a 4-tuple")
		}

		name, err := liftString(fields[0], "output name")
		if err != nil {
			return nil, err
		}

		pathStr, err := liftString(fields[1], "output path")
		if err != nil {
			return nil, err
		}

		hashAlgo, err := liftString(fields[2], "output hash algo")
		if err != nil {
			return nil, err
		}

		hash, err := liftString(fields[3], "output hash")
		if err != nil {
			return nil, err
		}

		out := DerivationOutput{Name: name, HashAlgo: hashAlgo, Hash: hash}

		if pathStr != "" {
			p, err := storepath.ParseFull(storeDir, pathStr)
			if err != nil {
				return nil, invalid("position 1 (outputs): output %q has invalid path: %v", name, err)
			}

			out.Path = p
		}

		outputs = append(outputs, out)
	}

	return outputs, nil
}

func liftInputDerivations(n Node, storeDir string) ([]InputDerivation, error) {
	elems, ok := asArray(n)
	if !ok {
		return nil, invalid("position 2 (input derivations): not an array")
	}

	var inputs []InputDerivation

	for _, e := range elems {
		fields, ok := asTuple(e)
		if !ok || len(fields) != 2 {
			return nil, invalid("position 2 (input derivations): each entry must be a 2-tuple")
		}

		pathStr, err := liftString(fields[0], "input derivation path")
		if err != nil {
			return nil, err
		}

		p, err := storepath.ParseFull(storeDir, pathStr)
		if err != nil {
			return nil, invalid("position 2 (input derivations): invalid path %q: %v", pathStr, err)
		}

		outs, err := liftStringArray(fields[1], "input derivation outputs")
		if err != nil {
			return nil, err
		}

		inputs = append(inputs, InputDerivation{Path: p, Outputs: outs})
	}

	return inputs, nil
}

func liftInputSources(n Node, storeDir string) ([]storepath.Path, error) {
	strs, err := liftStringArray(n, "input sources")
	if err != nil {
		return nil, err
	}

	paths := make([]storepath.Path, 0, len(strs))

	for _, s := range strs {
		p, err := storepath.ParseFull(storeDir, s)
		if err != nil {
			return nil, invalid("position 3 (input sources): invalid path %q: %v", s, err)
		}

		paths = append(paths, p)
	}

	return paths, nil
}

func liftString(n Node, what string) (string, error) {
	s, ok := n.(String)
	if !ok {
		return "", invalid("%s: not a string", what)
	}

	return s.Value, nil
}

func liftStringArray(n Node, what string) ([]string, error) {
	elems, ok := asArray(n)
	if !ok {
		return nil, invalid("%s: not an array", what)
	}

	out := make([]string, 0, len(elems))

	for _, e := range elems {
		s, ok := e.(String)
		if !ok {
			return nil, invalid("%s: array element is not a string", what)
		}

		out = append(out, s.Value)
	}

	return out, nil
}

func liftEnv(n Node) (map[string]string, []string, error) {
	elems, ok := asArray(n)
	if !ok {
		return nil, nil, invalid("position 7 (environment): not an array")
	}

	env := make(map[string]string, len(elems))
	order := make([]string, 0, len(elems))

	for _, e := range elems {
		fields, ok := asTuple(e)
		if !ok || len(fields) != 2 {
			return nil, nil, invalid("position 7 (environment): each entry must be a 2-tuple")
		}

		key, err := liftString(fields[0], "environment key")
		if err != nil {
			return nil, nil, err
		}

		val, err := liftString(fields[1], "environment value")
		if err != nil {
			return nil, nil, err
		}

		if _, dup := env[key]; dup {
			return nil, nil, invalid("position 7 (environment): duplicate key %q", key)
		}

		env[key] = val
		order = append(order, key)
	}

	return env, order, nil
}

// ParseDerivation lexes, parses, and lifts a ".drv" file's raw bytes in
// one call, resolving its path fields against storeDir.
func ParseDerivation(data []byte, storeDir string) (*Derivation, error) {
	node, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return Lift(node, storeDir)
}

// MarshalText renders the derivation back to its canonical ATerm form.
// parse(d.MarshalText()) reproduces a Derivation equal to d.
func (d *Derivation) MarshalText() ([]byte, error) {
	var b strings.Builder

	b.WriteString("Derive(")

	writeArray(&b, len(d.Outputs), func(i int) {
		o := d.Outputs[i]

		outPath := ""
		if !o.Path.IsZero() {
			outPath = storepath.Full(d.StoreDir, o.Path)
		}

		b.WriteByte('(')
		writeString(&b, o.Name)
		b.WriteByte(',')
		writeString(&b, outPath)
		b.WriteByte(',')
		writeString(&b, o.HashAlgo)
		b.WriteByte(',')
		writeString(&b, o.Hash)
		b.WriteByte(')')
	})

	b.WriteByte(',')

	writeArray(&b, len(d.InputDerivations), func(i int) {
		in := d.InputDerivations[i]
		b.WriteByte('(')
		writeString(&b, storepath.Full(d.StoreDir, in.Path))
		b.WriteByte(',')
		writeStringArray(&b, in.Outputs)
		b.WriteByte(')')
	})

	b.WriteByte(',')

	srcs := make([]string, len(d.InputSources))
	for i, p := range d.InputSources {
		srcs[i] = storepath.Full(d.StoreDir, p)
	}

	writeStringArray(&b, srcs)
	b.WriteByte(',')
	writeString(&b, d.Platform)
	b.WriteByte(',')
	writeString(&b, d.Builder)
	b.WriteByte(',')
	writeStringArray(&b, d.Args)
	b.WriteByte(',')

	writeArray(&b, len(d.EnvOrder), func(i int) {
		key := d.EnvOrder[i]
		b.WriteByte('(')
		writeString(&b, key)
		b.WriteByte(',')
		writeString(&b, d.Env[key])
		b.WriteByte(')')
	})

	b.WriteByte(')')

	return []byte(b.String()), nil
}

func writeArray(b *strings.Builder, n int, elem func(i int)) {
	b.WriteByte('[')

	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}

		elem(i)
	}

	b.WriteByte(']')
}

func writeStringArray(b *strings.Builder, strs []string) {
	writeArray(b, len(strs), func(i int) { writeString(b, strs[i]) })
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}

		b.WriteByte(c)
	}

	b.WriteByte('"')
}
