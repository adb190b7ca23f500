// Package demux turns an MPEG-TS byte stream into media packets. It finds
// the first program's H.264 video and AAC audio streams, probes their codec
// configuration, unwraps 33-bit timestamps and attaches A/53 closed caption
// data as packet side data.
//
// The central type is [Demuxer]. Codec-specific parsing is provided by
// [ParseAnnexB], [ParseSPS] and [ParseADTS].
package demux
