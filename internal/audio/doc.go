// Package audio plays synthesized clips. A Mixer keeps one ordered queue
// per named line and plays each line's clips one at a time through a Sink.
// Sinks write to the sound device (oto), to a WAV file, or nowhere.
package audio
