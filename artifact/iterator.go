package artifact

// An Iterator walks a sequence of artifacts lazily, fetching them from the
// index a page at a time. It must be closed when no longer needed.
//
//	it := repo.Artifacts(coll, au)
//	defer it.Close()
//	for it.Next() {
//		a := it.Artifact()
//	}
//	if err := it.Err(); err != nil {
//	}
//
// Calling the repository method again gives a fresh iterator reflecting the
// current contents.
type Iterator struct {
	fill   func() ([]*Artifact, bool, error)
	page   []*Artifact
	cur    *Artifact
	err    error
	done   bool
	closed bool
}

// Next advances to the next artifact, returning false at the end of the
// sequence or on error.
func (it *Iterator) Next() bool {
	for len(it.page) == 0 {
		if it.done || it.closed {
			it.cur = nil
			return false
		}
		it.page, it.done, it.err = it.fill()
		if it.err != nil {
			it.done = true
			it.page = nil
		}
	}
	it.cur = it.page[0]
	it.page = it.page[1:]
	return true
}

// Artifact returns the current artifact.
func (it *Iterator) Artifact() *Artifact {
	return it.cur
}

// Err returns the first error encountered.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator. Next returns false afterwards.
func (it *Iterator) Close() error {
	it.closed = true
	it.page = nil
	it.cur = nil
	return nil
}
