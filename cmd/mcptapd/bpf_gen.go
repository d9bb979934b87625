package main

// This file is a placeholder for the auto-generated code bpf2go would
// produce from bpf/mcptap.c. In a real build, 'go generate' runs the
// bpftool/clang pipeline and overwrites this file; it is hand-written
// here only so the loader compiles under static analysis.

import (
	"github.com/cilium/ebpf"
)

type mcptapObjects struct {
	mcptapPrograms
	mcptapMaps
}

func (o *mcptapObjects) Close() error {
	return nil // Mock
}

type mcptapPrograms struct {
	KprobeVfsRead     *ebpf.Program `ebpf:"kprobe_vfs_read"`
	KretprobeVfsRead  *ebpf.Program `ebpf:"kretprobe_vfs_read"`
	KprobeVfsWrite    *ebpf.Program `ebpf:"kprobe_vfs_write"`
	KretprobeVfsWrite *ebpf.Program `ebpf:"kretprobe_vfs_write"`

	UretprobeSSLNew         *ebpf.Program `ebpf:"uretprobe_ssl_new"`
	UprobeSSLDoHandshake    *ebpf.Program `ebpf:"uprobe_ssl_do_handshake"`
	UretprobeSSLDoHandshake *ebpf.Program `ebpf:"uretprobe_ssl_do_handshake"`
	UprobeSSLRead           *ebpf.Program `ebpf:"uprobe_ssl_read"`
	UretprobeSSLRead        *ebpf.Program `ebpf:"uretprobe_ssl_read"`
	UprobeSSLReadEx         *ebpf.Program `ebpf:"uprobe_ssl_read_ex"`
	UretprobeSSLReadEx      *ebpf.Program `ebpf:"uretprobe_ssl_read_ex"`
	UprobeSSLWrite          *ebpf.Program `ebpf:"uprobe_ssl_write"`
	UretprobeSSLWrite       *ebpf.Program `ebpf:"uretprobe_ssl_write"`
	UprobeSSLWriteEx        *ebpf.Program `ebpf:"uprobe_ssl_write_ex"`
	UretprobeSSLWriteEx     *ebpf.Program `ebpf:"uretprobe_ssl_write_ex"`
	UprobeSSLFree           *ebpf.Program `ebpf:"uprobe_ssl_free"`

	TracepointSchedProcessExit *ebpf.Program `ebpf:"tracepoint_sched_process_exit"`
}

type mcptapMaps struct {
	Events       *ebpf.Map `ebpf:"events"`
	JSONStreams  *ebpf.Map `ebpf:"json_streams"`
	JSONScratch  *ebpf.Map `ebpf:"json_scratch"`
	TLSSessions  *ebpf.Map `ebpf:"tls_sessions"`
	SSLArgsStash *ebpf.Map `ebpf:"ssl_args_stash"`
	VFSArgsStash *ebpf.Map `ebpf:"vfs_args_stash"`
}

func loadMcptapObjects(_ interface{}, _ *ebpf.CollectionOptions) error {
	// Mock successful load
	return nil
}
