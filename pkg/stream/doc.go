// Package stream exports stores to and imports them from the treedump
// stream format defined in package codec.
//
// A Writer emits records one call at a time and refuses call sequences a
// loader would reject. A Loader replays a stream against a TargetStore and
// stops at the first corrupt or misplaced record. A Saver walks a
// SourceStore and drives a Writer.
package stream
