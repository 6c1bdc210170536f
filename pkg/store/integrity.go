package store

import "errors"

// IntegrityReport summarizes a full store verification pass
type IntegrityReport struct {
	ObjectsChecked  int                `json:"objects_checked"`
	ObjectsPassed   int                `json:"objects_passed"`
	LayersChecked   int                `json:"layers_checked"`
	LayersPassed    int                `json:"layers_passed"`
	MetadataChecked int                `json:"metadata_checked"`
	MetadataPassed  int                `json:"metadata_passed"`
	Failed          []IntegrityFailure `json:"failed"`
}

// IntegrityFailure describes one entity that failed verification
type IntegrityFailure struct {
	Kind   string `json:"kind"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Clean reports whether the verification pass found no failures
func (r *IntegrityReport) Clean() bool {
	return len(r.Failed) == 0
}

// VerifyStore re-reads every object, layer manifest, and metadata record,
// performing the full content checks: object hash, layer file hash, metadata
// checksum.
func VerifyStore(layout *Layout) (*IntegrityReport, error) {
	objectStore := NewObjectStore(layout)
	layerStore := NewLayerStore(layout)
	metaStore := NewMetadataStore(layout)

	report := &IntegrityReport{}

	objects, err := objectStore.List()
	if err != nil {
		return nil, err
	}
	report.ObjectsChecked = len(objects)
	for _, hash := range objects {
		if _, err := objectStore.Get(hash); err != nil {
			report.Failed = append(report.Failed, failureFor("object", hash, err))
			continue
		}
		report.ObjectsPassed++
	}

	layers, err := layerStore.List()
	if err != nil {
		return nil, err
	}
	report.LayersChecked = len(layers)
	for _, hash := range layers {
		if _, err := layerStore.Get(hash); err != nil {
			report.Failed = append(report.Failed, failureFor("layer", hash, err))
			continue
		}
		report.LayersPassed++
	}

	metaEntries, err := metaStore.ListWithErrors()
	if err != nil {
		return nil, err
	}
	report.MetadataChecked = len(metaEntries)
	for _, entry := range metaEntries {
		if entry.Err != nil {
			report.Failed = append(report.Failed, failureFor("metadata", entry.EnvID, entry.Err))
			continue
		}
		report.MetadataPassed++
	}

	return report, nil
}

func failureFor(kind, key string, err error) IntegrityFailure {
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return IntegrityFailure{Kind: kind, Key: key, Reason: "hash mismatch: got " + integrity.Actual}
	}
	return IntegrityFailure{Kind: kind, Key: key, Reason: err.Error()}
}
