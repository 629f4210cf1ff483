// Package internal contains helper utilities that are intentionally private
// to rotauth: secure identifier/secret generation, one-way secret hashing,
// and the opaque refresh-token wire codec.
//
// # What this package must NOT do
//
//   - Export types that appear in the public rotauth API.
//   - Be imported by any package outside the rotauth module.
//   - Touch any store; everything here is pure computation.
package internal
