package artifact

import "time"

// An Index keeps the artifact records. The repository keeps content bytes in
// a store.Store and everything else in an Index.
//
// Implementations must make Insert atomic: the next version for a URI is
// allocated and the record saved in one step, so two concurrent inserts can
// never receive the same version. Version numbers are never handed out twice,
// even after the record holding one is marked deleted.
type Index interface {
	// Insert saves a as the next version of its URI. The version in a is
	// ignored. It returns the version assigned.
	Insert(a *Artifact) (int, error)

	// Update replaces the record for a's exact version. It returns
	// ErrNotFound if there is no such record.
	Update(a *Artifact) error

	// Get returns the record for the exact version in id, including
	// uncommitted and deleted records. It returns nil if there is none.
	Get(id Identifier) (*Artifact, error)

	// Latest returns the highest committed, non-deleted version of a URI,
	// or nil.
	Latest(collection, auid, uri string) (*Artifact, error)

	// Versions returns up to limit committed, non-deleted versions of a URI
	// which are below the version before, newest first. A before of 0 means
	// no bound. A limit of 0 means no limit.
	Versions(collection, auid, uri string, before, limit int) ([]*Artifact, error)

	// URIs returns up to limit URIs in the AU which begin with prefix and
	// sort after the URI after, in the order given by CompareURLs. An empty
	// after starts at the beginning.
	URIs(collection, auid, prefix, after string, limit int) ([]string, error)

	Collections() ([]string, error)
	AUs(collection string) ([]string, error)

	// AUState returns the saved state of an AU, or a zero AUState.
	AUState(collection, auid string) (*AUState, error)
	SetAUState(collection, auid string, state *AUState) error

	Close() error
}

// AUState is the per-AU bookkeeping kept alongside the artifacts.
type AUState struct {
	// LastContentChange is the last time a new version was committed.
	LastContentChange time.Time
	// HashEstimate is the running average of full AU hash durations.
	// Zero means there is no estimate yet.
	HashEstimate time.Duration
	// LastHash is when the AU was last hashed in full.
	LastHash time.Time `json:",omitempty"`
}
