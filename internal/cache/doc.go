// Package cache defines the partitioned content store backing offline
// bundles. A partition groups every entry of one cached bundle under a
// flat name; entries are either whole objects keyed by their asset URL or
// fixed-size chunks keyed as <url>_<index>. The package also ships the
// chunk writer that commits upstream bodies into a partition and the
// validator that removes partitions left behind by interrupted downloads.
// Two backends are provided: a disk store (temp file + rename) and a
// gocloud bucket store for mem://, file://, s3:// and gs:// URLs.
package cache
