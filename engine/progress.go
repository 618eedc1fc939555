package engine

import "fmt"

// Stage is a state of the per-operation state machine.
type Stage int

const (
	StageInit Stage = iota
	StageDeriveSeed
	StageBuildCarrierMap
	StageSynthesizeAndEmbed
	StageSynthesizeAndExtract
	StageFinalize
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageDeriveSeed:
		return "derive_seed"
	case StageBuildCarrierMap:
		return "build_carrier_map"
	case StageSynthesizeAndEmbed:
		return "synthesize_and_embed"
	case StageSynthesizeAndExtract:
		return "synthesize_and_extract"
	case StageFinalize:
		return "finalize"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Progress is one event of an operation. Percent never decreases over
// the life of an operation and reaches 100 at StageDone.
type Progress struct {
	Stage   Stage
	Percent int
	Label   string
}

func (p Progress) String() string {
	return fmt.Sprintf("%3d%% %s", p.Percent, p.Label)
}

const (
	percentInit     = 2
	percentSeed     = 5
	percentMap      = 10
	percentChunkEnd = 90
	percentFinalize = 95
	percentDone     = 100
)

// chunkPercent spreads chunk progress over (percentMap, percentChunkEnd].
func chunkPercent(processed, total uint64) int {
	if total == 0 {
		return percentChunkEnd
	}
	span := uint64(percentChunkEnd - percentMap)
	return percentMap + int(span*processed/total)
}

// stepper is the scanner-style interface shared by Forge and Unmask.
type stepper interface {
	Step() bool
	Progress() Progress
	Err() error
}

// drive runs op to completion, forwarding every event to onProgress.
func drive(op stepper, onProgress func(Progress)) error {
	for op.Step() {
		if onProgress != nil {
			onProgress(op.Progress())
		}
	}
	return op.Err()
}
