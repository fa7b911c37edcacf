package kvstore

import "errors"

// ErrStoreClosed is returned by any operation on a closed store.
var ErrStoreClosed = errors.New("kv store is closed")
