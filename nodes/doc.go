// Package nodes contains the built-in nodes: in-memory sources and targets,
// row transforms, and readers and writers for CSV files, SQL databases and
// Kafka topics.
package nodes
