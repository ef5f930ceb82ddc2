// Package codec converts record fields to their on-disk representation and
// back.
//
// # Storage shapes
//
// Every field value is stored as an [Entry] of exactly one [Kind]:
//
//   - [KindValue]: strings, booleans, numbers and nil, inline in the JSON document.
//   - [KindArray]: an [Array], written to a sidecar ".npy" file.
//   - [KindDict]: a nested mapping, encoded recursively.
//   - [KindPickled]: anything else (lists, structs), written to a sidecar ".json"
//     file with the generic value codec ([MarshalValue]).
//
// The shape is picked from the runtime type of the value, in that priority
// order: string, array, mapping, values without a length, everything else. An
// empty string is still a string and an empty Array is still an array.
//
// NaN and infinities have no JSON representation. Encoding one, inline or
// nested in a pickled value, fails with [ErrNonFiniteFloat]. Array sidecars
// store them as is.
//
// # Sidecar files
//
// Sidecars are named after the field plus a fresh stamp and live in the record
// directory. Encoding never removes the sidecars of a previous encoding; the
// directory may accumulate unreferenced files.
package codec
