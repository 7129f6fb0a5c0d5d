package detections

import "time"

const (
	InputWidth  = 224
	InputHeight = 224
	// NumClasses is the number of recognized object classes. Classifier
	// outputs past this index (background) are ignored.
	NumClasses = 15
	NumOutputs = 16
	MinProb    = 0.99

	// MaxProposalsInfer caps proposals per frame at inference time;
	// MaxProposalsDataset is the larger cap used when building training data.
	MaxProposalsInfer   = 200
	MaxProposalsDataset = 2000

	DefaultInferTimeout = 10 * time.Second
)
