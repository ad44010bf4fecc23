// Package shard stores a node's labeling output as append-only,
// time-bucketed JSONL files.
//
// # File naming
//
// A shard is identified by its owner and its time bucket:
//
//	labels_<owner>_<bucket>.jsonl
//	labels_node1_8001_20250301T1402.jsonl
//
// The owner is the worker id with ':' replaced by '_'. The bucket is the
// UTC wall-clock time truncated to the rotation width (one minute by
// default) and formatted as YYYYMMDDTHHMM.
//
// # Lifecycle
//
//	          first Append in bucket          bucket rolls over
//	(absent) ───────────────────────► open ─────────────────────► closed
//	                                   │                             │
//	                                   │ owner appends               │ advertised by ListClosed,
//	                                   │ never listed                │ served by Open, replicated
//
// Ownership is enforced by naming: no two nodes share an owner id, so no
// two writers ever target the same file and no file locking is needed.
// A closed file is never written again. Buckets only move forward within
// a Store, even if the wall clock steps back.
//
// # Records
//
// Each line is one Record:
//
//	{"id":"<sha1 of text>","idx":12,"label":"search","confidence":0.9,
//	 "worker":"node1:8001","ts":1740837720.51}
//
// The same item may appear in several shards (re-issued claims after a
// leadership change). Consumers deduplicate by id keeping the highest ts.
package shard
