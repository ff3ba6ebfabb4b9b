package domain

import "fmt"

// ChunkStrategy selects how documents are split into retrievable units.
type ChunkStrategy int

const (
	StrategyRecursive ChunkStrategy = iota
	StrategyFixedSize
	StrategySemantic
)

func (s ChunkStrategy) String() string {
	switch s {
	case StrategyRecursive:
		return "recursive"
	case StrategyFixedSize:
		return "fixed_size"
	case StrategySemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// ParseChunkStrategy converts a strategy name into its enum value.
func ParseChunkStrategy(s string) (ChunkStrategy, error) {
	switch s {
	case "recursive", "":
		return StrategyRecursive, nil
	case "fixed_size":
		return StrategyFixedSize, nil
	case "semantic":
		return StrategySemantic, nil
	default:
		return 0, fmt.Errorf("unknown chunking strategy %q", s)
	}
}

// SearchMode selects how retrieval results are produced.
type SearchMode int

const (
	ModeSimilarity SearchMode = iota
	ModeMMR
	ModeHybrid
)

func (m SearchMode) String() string {
	switch m {
	case ModeSimilarity:
		return "similarity"
	case ModeMMR:
		return "mmr"
	case ModeHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseSearchMode converts a mode name into its enum value.
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "similarity":
		return ModeSimilarity, nil
	case "mmr":
		return ModeMMR, nil
	case "hybrid", "":
		return ModeHybrid, nil
	default:
		return 0, fmt.Errorf("unknown search mode %q", s)
	}
}
