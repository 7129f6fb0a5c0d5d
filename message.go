package main

import "strings"

const (
	// EndSentinel in place of coordinate tags ends the session.
	EndSentinel = "END"

	// NoDetections is the reply when nothing new was seen.
	NoDetections = "None"

	MsgMosaicWritten = "Session finished, mosaic written"

	MsgNoCrops = "Session finished without any reported detections, no mosaic written"
)

// formatReply renders reply entries as a list literal, e.g. ['3, (R0, C1)'].
func formatReply(entries []string) string {
	if len(entries) == 0 {
		return NoDetections
	}
	quoted := make([]string, len(entries))
	for i, e := range entries {
		quoted[i] = "'" + e + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
