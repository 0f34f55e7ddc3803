// Package config parses the Crucible configuration document: section-
// delimited key/value text in the Python ConfigParser dialect (indented
// multi-line values, # and ; comments, compound section names).
//
// The parsed Document is immutable for the rest of the invocation. Values
// are kept raw; placeholder substitution is the resolve package's job.
package config
