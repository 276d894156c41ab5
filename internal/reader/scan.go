package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/source"
)

const defaultScanChunks = 64

// StreamInfo describes one elementary stream found by Scan.
type StreamInfo struct {
	ID       uint32
	Kind     media.Kind
	Buffers  int
	Keyframe bool
}

// ScanOptions configures Scan.
type ScanOptions struct {
	Log *slog.Logger
	// Chunks is how many chunks to inspect.
	Chunks   int
	Captions bool
}

// Scan demultiplexes the first chunks of src without clock tracking and
// reports the streams found, in order of first appearance. It returns the
// source to read from afterwards: src rewound to the start, or, when src
// cannot seek, a wrapper that replays the scanned chunks first.
func Scan(ctx context.Context, src source.Source, opts ScanOptions) ([]StreamInfo, source.Source, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Chunks <= 0 {
		opts.Chunks = defaultScanChunks
	}
	dmx, err := demux.New(src.Kind(), demux.Options{
		Log:        opts.Log,
		PacketSize: src.PacketSize(),
		Captions:   opts.Captions,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reader: %w", err)
	}

	var (
		infos   []StreamInfo
		index   = make(map[uint32]int)
		scanned []*media.Chunk
	)
	add := func(bufs []*media.Buffer) {
		for _, b := range bufs {
			i, ok := index[b.StreamID]
			if !ok {
				i = len(infos)
				index[b.StreamID] = i
				infos = append(infos, StreamInfo{ID: b.StreamID, Kind: b.Kind})
			}
			infos[i].Buffers++
			if b.Flags&media.FlagKeyframe != 0 {
				infos[i].Keyframe = true
			}
		}
	}

	for range opts.Chunks {
		c, err := src.ReadChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reader: scan: %w", err)
		}
		scanned = append(scanned, c)
		bufs, err := dmx.Demultiplex(c, nil)
		if err != nil {
			opts.Log.Debug("scan: skipping corrupt chunk", "offset", c.Offset, "error", err)
			continue
		}
		add(bufs)
	}
	add(dmx.Flush(nil))

	err = src.Seek(ctx, source.AtFraction(0))
	switch {
	case err == nil:
		return infos, src, nil
	case errors.Is(err, source.ErrSeekUnsupported):
		return infos, &replay{Source: src, pending: scanned}, nil
	default:
		return nil, nil, fmt.Errorf("reader: rewind after scan: %w", err)
	}
}

// replay serves chunks consumed by Scan before reading on from the source.
type replay struct {
	source.Source
	pending []*media.Chunk
}

func (r *replay) ReadChunk(ctx context.Context) (*media.Chunk, error) {
	if len(r.pending) > 0 {
		c := r.pending[0]
		r.pending = r.pending[1:]
		return c, nil
	}
	return r.Source.ReadChunk(ctx)
}
