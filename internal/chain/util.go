package chain

import (
	"bytes"
	"crypto/md5"
	"io"
)

func md5Sum(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

func jsonReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
