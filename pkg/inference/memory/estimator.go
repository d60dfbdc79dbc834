package memory

// Estimation multipliers for single-file diffusion checkpoints. A checkpoint
// roughly doubles in working memory once composed (weights + activations +
// sampler scratch); ControlNet conditioning adds its own weights on top.
const (
	checkpointWorkingFactor = 2
	controlnetOverhead      = 1_600_000_000
)

// Estimator computes the admission estimate consulted before every backend
// build and rebuild.
type Estimator interface {
	EstimateCheckpoint(sizeBytes uint64, withControlNet bool, device string) RequiredMemory
	HaveSufficientMemoryForCheckpoint(sizeBytes uint64, withControlNet bool, device string) (bool, RequiredMemory, error)
}

type estimator struct {
	systemMemoryInfo SystemMemoryInfo
}

// NewEstimator creates an estimator over the given system memory info.
func NewEstimator(systemMemoryInfo SystemMemoryInfo) Estimator {
	return &estimator{systemMemoryInfo: systemMemoryInfo}
}

func (e *estimator) EstimateCheckpoint(sizeBytes uint64, withControlNet bool, device string) RequiredMemory {
	if sizeBytes == 0 {
		// Unknown checkpoint size: report the unknown sentinel rather than
		// blocking admission on a guess.
		return RequiredMemory{RAM: 1, VRAM: 1}
	}
	working := sizeBytes * checkpointWorkingFactor
	if withControlNet {
		working += controlnetOverhead
	}
	switch device {
	case "cpu":
		return RequiredMemory{RAM: working, VRAM: 1}
	case "mps":
		// Unified memory: the whole working set is host RAM.
		return RequiredMemory{RAM: working, VRAM: 1}
	default:
		return RequiredMemory{RAM: sizeBytes, VRAM: working}
	}
}

func (e *estimator) HaveSufficientMemoryForCheckpoint(sizeBytes uint64, withControlNet bool, device string) (bool, RequiredMemory, error) {
	req := e.EstimateCheckpoint(sizeBytes, withControlNet, device)
	ok, err := e.systemMemoryInfo.HaveSufficientMemory(req)
	return ok, req, err
}
