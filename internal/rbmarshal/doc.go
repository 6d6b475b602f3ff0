// Package rbmarshal reads and writes the subset of Ruby's Marshal 4.8 format
// used by RubyGems index files: nil, booleans, integers, floats, strings,
// symbols, arrays, hashes, plain objects and classes that implement
// marshal_dump/_dump. Symbol and object back-references are resolved on
// decode; the encoder emits symbol links but never object links.
package rbmarshal
