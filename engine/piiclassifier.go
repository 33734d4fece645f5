package engine

import "github.com/erasure-engine/engine/domain/workflow"

// ClassifiedFinding pairs a finding with the classifier's routing
// decision, in the same order the finding was supplied.
type ClassifiedFinding struct {
	Finding        workflow.PIIFinding
	Classification workflow.Classification
}

// ClassifyFindings implements PIIClassifier (§4.5): a pure,
// order-stable partition of findings by confidence threshold.
// thresholds come from the resolved policy so the same classifier
// serves every jurisdiction.
func ClassifyFindings(findings []workflow.PIIFinding, autoDeleteThreshold, manualReviewThreshold float64) []ClassifiedFinding {
	out := make([]ClassifiedFinding, len(findings))
	for i, f := range findings {
		out[i] = ClassifiedFinding{Finding: f, Classification: classify(f.Confidence, autoDeleteThreshold, manualReviewThreshold)}
	}
	return out
}

func classify(confidence, autoDeleteThreshold, manualReviewThreshold float64) workflow.Classification {
	switch {
	case confidence >= autoDeleteThreshold:
		return workflow.ClassificationAutoDelete
	case confidence >= manualReviewThreshold:
		return workflow.ClassificationManualReview
	default:
		return workflow.ClassificationIgnore
	}
}
