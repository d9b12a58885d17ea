// Package conversation runs the message submission pipeline: deduplicate
// the submission, allocate the per-conversation sequence, persist, then fan
// notices out to local and remote recipients. History is the source of
// truth; notices are a hint to pull.
package conversation
