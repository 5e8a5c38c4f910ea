// Package stream rebuilds token-streamed model responses. Decoder turns raw
// body chunks into frames no matter where the network split them, and
// Accumulator grows a single in-flight message from the frames' deltas.
package stream
