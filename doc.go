/*
Package objstore implements typed object stores on top of a transactional
key-value engine (see package engine).

We implement:

1. Stores, collections of records of a Go struct type keyed by one of its
fields, declared with DefineStore.

2. Indexes, allowing lookups and range scans by other fields. Indexes can be
unique, compound (several fields), multi-entry (one entry per slice element)
and sparse (zero values not indexed).

3. Versioned schema migration: a database is opened at a version, and
stores and indexes are created and deleted to match the declared schema
when the version goes up.

4. Transactions with a fixed scope and mode, whose operations are executed
in order by a goroutine owned by the transaction and return futures.

# Technical Details

**Buckets.**
Each store is a root bucket holding the key generator, a "data" bucket of
records and one "i_<name>" bucket per index. The catalog lives in the
"_objstore" bucket.

**Index ordinal.**
We assign a unique positive integer ordinal to each index. These values are
never reused within a store, even if an index is removed.

**Catalog.**
We store a catalog document describing the database version and which
stores and indexes exist, along with index ordinals.

## Binary encoding

**Key encoding.**
Keys and index values use an order-preserving encoding, so bytewise order of
encoded keys matches the order of values.

**Index entries.**
A unique index maps the encoded value to the primary key. A non-unique index
maps the encoded value followed by the primary key to the primary key.

**Value**: value header, then encoded record, then encoded index key records.

**Value header**:
1. Flags (uvarint): format version, codec, compression.
2. Schema version (uvarint).
3. Data size (uvarint).
4. Index size (uvarint).

**Value data**: msgpack (or JSON) of the record struct, optionally snappy-compressed.

**Index key records** (inside a value) record the keys contributed by this
record. If index computation changes in the future, we still need to know
which index keys to delete when updating the record, so we store all index
keys. Format:
1. Number of entries (uvarint).
2. For each entry: index ordinal (uvarint), key length (uvarint), key bytes.
*/
package objstore
