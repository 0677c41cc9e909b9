// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package bridge

import "sync/atomic"

// Stats is a snapshot of a controller's counters.
type Stats struct {
	FramesRead      int64 // successful session reads
	FramesEchoed    int64 // frames written back to the session (server mode)
	FramesConverted int64 // frames converted into the framebuffer (server mode)
	FramesSkipped   int64 // usable frames dropped for a geometry mismatch
	Refreshes       int64 // key frame requests
	DirtyMarks      int64 // MarkRectAsModified calls
	EndpointStarts  int64 // server endpoints created

	Pumps            int64 // PumpOnce calls that handled a message
	PumpTimeouts     int64
	Resizes          int64 // framebuffer geometry callbacks
	UpdatesReceived  int64 // decoded update rectangles
	FramesWritten    int64 // client mode frames sent to the session
	DigitsTranslated int64
}

type counters struct {
	framesRead      atomic.Int64
	framesEchoed    atomic.Int64
	framesConverted atomic.Int64
	framesSkipped   atomic.Int64
	refreshes       atomic.Int64
	dirtyMarks      atomic.Int64
	endpointStarts  atomic.Int64

	pumps            atomic.Int64
	pumpTimeouts     atomic.Int64
	resizes          atomic.Int64
	updatesReceived  atomic.Int64
	framesWritten    atomic.Int64
	digitsTranslated atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesRead:       c.framesRead.Load(),
		FramesEchoed:     c.framesEchoed.Load(),
		FramesConverted:  c.framesConverted.Load(),
		FramesSkipped:    c.framesSkipped.Load(),
		Refreshes:        c.refreshes.Load(),
		DirtyMarks:       c.dirtyMarks.Load(),
		EndpointStarts:   c.endpointStarts.Load(),
		Pumps:            c.pumps.Load(),
		PumpTimeouts:     c.pumpTimeouts.Load(),
		Resizes:          c.resizes.Load(),
		UpdatesReceived:  c.updatesReceived.Load(),
		FramesWritten:    c.framesWritten.Load(),
		DigitsTranslated: c.digitsTranslated.Load(),
	}
}
