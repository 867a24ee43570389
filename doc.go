// Package pagekv implements the core of an embedded, single-file key/value
// storage engine: a persistent B-tree with duplicate-key support, fronted by
// an in-memory overlay of uncommitted transactions.
//
// The three load-bearing subsystems are the page manager (allocation,
// caching, freelisting and reclamation of fixed-size pages), the B-tree
// cursor (a coupled-or-uncoupled iterator over leaf pages), and the hybrid
// cursor (the merge of a B-tree cursor and a transaction cursor, including
// the per-key duplicate cache).
package pagekv
