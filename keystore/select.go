package keystore

// Select picks a key from keys. With a version, the key must match both
// enctype and kvno exactly. With AnyKVNO the first key of the enctype is
// returned and the version is not checked: keys that arrive from a
// security context are taken to be current.
func Select(keys KeySet, etype int32, kvno int) (LongTermKey, error) {
	for _, k := range keys {
		if k.EType != etype {
			continue
		}
		if kvno == AnyKVNO || k.KVNO == kvno {
			return k, nil
		}
	}
	return LongTermKey{}, &KeyError{EType: etype, KVNO: kvno}
}

// Latest returns the highest version key of etype. Tickets are issued with
// it.
func Latest(keys KeySet, etype int32) (LongTermKey, error) {
	best := -1
	for i, k := range keys {
		if k.EType == etype && (best < 0 || k.KVNO > keys[best].KVNO) {
			best = i
		}
	}
	if best < 0 {
		return LongTermKey{}, &KeyError{EType: etype, KVNO: AnyKVNO}
	}
	return keys[best], nil
}
