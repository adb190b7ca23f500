// Package srt implements SRT (Secure Reliable Transport) sources, in both
// caller mode (dial a remote listener and pull its stream) and listener
// mode (accept one publisher). Importing the package registers the srt://
// scheme with the ingest package.
package srt
