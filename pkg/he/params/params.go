// Package params derives CKKS parameter sets from a kernel's multiplicative
// depth and target precision, and provides the named sets used by the kernels.
package params

import (
	"fmt"
	"io"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"gopkg.in/yaml.v3"
)

// ParameterSetIdentifier names one of the predefined parameter sets.
type ParameterSetIdentifier string

const (
	// AddSet has no multiplicative depth: a single prime plus the special prime.
	AddSet ParameterSetIdentifier = "AddSet"
	// MulSet supports one multiplication followed by a rescale.
	MulSet ParameterSetIdentifier = "MulSet"
	// DotSet is MulSet; rotations cost no depth.
	DotSet ParameterSetIdentifier = "DotSet"
	// ConvSet is MulSet; kernel taps are multiplied once.
	ConvSet ParameterSetIdentifier = "ConvSet"
	// MatMulSet is MulSet; both strategies are depth 1.
	MatMulSet ParameterSetIdentifier = "MatMulSet"
	// DefaultSet leaves headroom for two chained kernels.
	DefaultSet ParameterSetIdentifier = "DefaultSet"
	// TestSet is a small ring for fast tests. It is NOT 128-bit secure.
	TestSet ParameterSetIdentifier = "TestSet"
)

const (
	// DefaultLogPrecision is the default scale exponent (2^40).
	DefaultLogPrecision = 40
	// DefaultGuard is the extra bit-width of the first and special primes.
	DefaultGuard = 20
	// MaxPrimeBits bounds a single RNS prime.
	MaxPrimeBits = 60
)

// securityBound maps LogN to the largest log2(QP) that keeps 128-bit security
// for a ternary secret (HomomorphicEncryption.org standard).
var securityBound = []struct {
	LogN    int
	MaxLogQ int
}{
	{12, 109},
	{13, 218},
	{14, 438},
	{15, 881},
	{16, 1761},
}

// Profile describes a parameter set by its requirements rather than its moduli.
type Profile struct {
	Name         string `yaml:"name"`
	Depth        int    `yaml:"depth"`
	LogPrecision int    `yaml:"log_precision"`
	Guard        int    `yaml:"guard"`
	MinLogN      int    `yaml:"min_log_n"`
}

// NewProfile returns a profile for depth d at precision p with the default guard.
func NewProfile(depth, logPrecision int) Profile {
	return Profile{Depth: depth, LogPrecision: logPrecision, Guard: DefaultGuard}
}

// Literal builds the modulus chain [p+g, p, ..., p] with special prime p+g
// and picks the smallest LogN whose security bound admits it.
func (p Profile) Literal() (ckks.ParametersLiteral, error) {
	if p.Depth < 0 {
		return ckks.ParametersLiteral{}, fmt.Errorf("params: depth must be non-negative, got %d", p.Depth)
	}
	if p.LogPrecision <= 0 {
		return ckks.ParametersLiteral{}, fmt.Errorf("params: log precision must be positive, got %d", p.LogPrecision)
	}
	guard := p.Guard
	if guard < 0 {
		return ckks.ParametersLiteral{}, fmt.Errorf("params: guard must be non-negative, got %d", guard)
	}
	if p.LogPrecision+guard > MaxPrimeBits {
		return ckks.ParametersLiteral{}, fmt.Errorf("params: first prime of %d bits exceeds %d", p.LogPrecision+guard, MaxPrimeBits)
	}

	logQ := make([]int, 0, p.Depth+1)
	logQ = append(logQ, p.LogPrecision+guard)
	for i := 0; i < p.Depth; i++ {
		logQ = append(logQ, p.LogPrecision)
	}
	logP := []int{p.LogPrecision + guard}

	total := 0
	for _, b := range logQ {
		total += b
	}
	for _, b := range logP {
		total += b
	}

	logN, err := MinLogNFor(total)
	if err != nil {
		return ckks.ParametersLiteral{}, err
	}
	if logN < p.MinLogN {
		logN = p.MinLogN
	}

	return ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            logQ,
		LogP:            logP,
		LogDefaultScale: p.LogPrecision,
	}, nil
}

// Parameters resolves the profile to CKKS parameters.
func (p Profile) Parameters() (ckks.Parameters, error) {
	lit, err := p.Literal()
	if err != nil {
		return ckks.Parameters{}, err
	}
	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return params, fmt.Errorf("params: profile %q: %w", p.Name, err)
	}
	return params, nil
}

// MinLogNFor returns the smallest LogN whose 128-bit bound is at least logQP bits.
func MinLogNFor(logQP int) (int, error) {
	for _, e := range securityBound {
		if logQP <= e.MaxLogQ {
			return e.LogN, nil
		}
	}
	return 0, fmt.Errorf("params: no ring degree admits a %d-bit modulus at 128-bit security", logQP)
}

// ForDepth is a shortcut for NewProfile(depth, logPrecision).Parameters().
func ForDepth(depth, logPrecision int) (ckks.Parameters, error) {
	return NewProfile(depth, logPrecision).Parameters()
}

// GetCKKSParameters returns the parameters of a named set.
func GetCKKSParameters(paramSetID ParameterSetIdentifier) (params ckks.Parameters, err error) {
	switch paramSetID {
	case AddSet:
		return Profile{Name: string(AddSet), Depth: 0, LogPrecision: DefaultLogPrecision, Guard: DefaultGuard}.Parameters()
	case MulSet, DotSet, ConvSet, MatMulSet:
		return Profile{Name: string(paramSetID), Depth: 1, LogPrecision: DefaultLogPrecision, Guard: DefaultGuard}.Parameters()
	case DefaultSet:
		return Profile{Name: string(DefaultSet), Depth: 2, LogPrecision: DefaultLogPrecision, Guard: DefaultGuard}.Parameters()
	case TestSet:
		// 2^12 ring with a 190-bit chain: fast, but below the security bound.
		params, err = ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
			LogN:            12,
			LogQ:            []int{55, 40, 40},
			LogP:            []int{55},
			LogDefaultScale: 40,
		})
		if err != nil {
			return params, fmt.Errorf("params: failed to create test parameters: %w", err)
		}
		return params, nil
	default:
		return params, fmt.Errorf("params: unknown parameter set identifier: %s", paramSetID)
	}
}

// ProfileFile is the YAML document read by LoadProfiles.
type ProfileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads named profiles from YAML. Missing guards default to
// DefaultGuard and missing precisions to DefaultLogPrecision.
func LoadProfiles(r io.Reader) (map[string]Profile, error) {
	var doc ProfileFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("params: decoding profiles: %w", err)
	}

	out := make(map[string]Profile, len(doc.Profiles))
	for i, p := range doc.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("params: profile %d has no name", i)
		}
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("params: duplicate profile %q", p.Name)
		}
		if p.Guard == 0 {
			p.Guard = DefaultGuard
		}
		if p.LogPrecision == 0 {
			p.LogPrecision = DefaultLogPrecision
		}
		if _, err := p.Literal(); err != nil {
			return nil, fmt.Errorf("params: profile %q: %w", p.Name, err)
		}
		out[p.Name] = p
	}
	return out, nil
}
