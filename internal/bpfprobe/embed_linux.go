// embed_linux.go — embedded BPF object variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the pre-compiled probe.bpf.o to exist in this directory.
//
// Build sequence:
//
//	clang -target bpf -O2 -c probe.bpf.c -o probe.bpf.o
//	go build -tags bpf_embedded ./internal/bpfprobe/...
//
//go:build linux && bpf_embedded

package bpfprobe

import _ "embed"

//go:embed probe.bpf.o
var _embeddedBPFObject []byte

func init() {
	bpfObjectBytes = _embeddedBPFObject
}
