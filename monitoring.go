package odb

type ExtentStats struct {
	Entities     int
	Indices      int
	IndexEntries int
	Links        int
	DataSize     int
}

func (tx *Tx) ExtentStats(name string) (ExtentStats, error) {
	ext, err := tx.extent(name)
	if err != nil {
		return ExtentStats{}, err
	}
	return tx.s.extentStats(ext), nil
}

func (s *session) extentStats(ext *extent) ExtentStats {
	result := ExtentStats{
		Entities: s.count(ext),
		Indices:  len(ext.indices),
	}
	if b := s.entitiesBucket(ext); b != nil {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			result.DataSize += len(v)
		}
	}
	for _, oid := range s.oids(ext) {
		result.Links += s.loadRecord(ext, oid).LinkCount
	}
	for _, idx := range ext.sortedIndices() {
		if b := s.indexBucket(idx); b != nil {
			result.IndexEntries += len(collectOIDs(b, len(idx.spec), nil, nil))
		}
	}
	return result
}
