package fastudp

import pool "github.com/libp2p/go-buffer-pool"

const bufSize = 2048

func malloc(n int) []byte {
	return pool.Get(bufSize)[:n]
}

func free(bts []byte) {
	pool.Put(bts[:cap(bts)])
}
