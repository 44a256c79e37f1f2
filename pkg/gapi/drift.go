package gapi

// Sync returns the TX sync record of the bound link.
func (dp *DataPath) Sync() (TxSync, error) {
	var s TxSync
	err := dp.masked("get_sync", func() error {
		if err := dp.requireTx("get_sync"); err != nil {
			return err
		}
		var err error
		if s, err = dp.api.host.TxSync(dp.linkID); err != nil {
			return dp.fail("get_sync", err)
		}
		return nil
	})
	return s, err
}

// PeerDrift returns the clock drift, in microseconds, the controller measured
// against the peer of the path's group.
func (dp *DataPath) PeerDrift() (int32, error) {
	var d int32
	err := dp.masked("get_peer_drift", func() error {
		if !dp.state.bound() {
			return dp.fail("get_peer_drift", ErrInvalidState)
		}
		var err error
		if d, err = dp.api.host.PeerDrift(dp.grpID); err != nil {
			return dp.fail("get_peer_drift", err)
		}
		return nil
	})
	return d, err
}

// ApplyDriftCorrection returns t shifted by the group's peer drift, modulo
// 2^32. The path must be TX and its sync record valid.
func (dp *DataPath) ApplyDriftCorrection(t uint32) (uint32, error) {
	var out uint32
	err := dp.masked("apply_drift_correction", func() error {
		if err := dp.requireTx("apply_drift_correction"); err != nil {
			return err
		}
		s, err := dp.api.host.TxSync(dp.linkID)
		if err != nil {
			return dp.fail("apply_drift_correction", err)
		}
		if !s.Valid {
			return dp.fail("apply_drift_correction", ErrSyncInvalid)
		}
		drift, err := dp.api.host.PeerDrift(dp.grpID)
		if err != nil {
			return dp.fail("apply_drift_correction", err)
		}
		out = t + uint32(drift)
		return nil
	})
	return out, err
}

func (dp *DataPath) requireTx(op string) error {
	if !dp.state.bound() {
		return dp.fail(op, ErrInvalidState)
	}
	if dp.dir != DirTX {
		return dp.fail(op, ErrNotTx)
	}
	return nil
}
