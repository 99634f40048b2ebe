package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/logging"
)

func testOptions() *Options {
	opts := NewOptions()
	opts.CreateIfMissing = true
	opts.CreateMissingColumnFamilies = true
	opts.Logger = logging.Discard
	opts.Statistics = NewStatistics()
	return opts
}

func defaultDescriptors() []ColumnFamilyDescriptor {
	return []ColumnFamilyDescriptor{
		{Name: DefaultColumnFamilyName, Options: NewColumnFamilyOptions()},
	}
}

func openTestDB(t *testing.T, dir string, opts *Options, descs []ColumnFamilyDescriptor) (*TransactionDB, []*ColumnFamilyHandle) {
	t.Helper()
	db, handles, err := OpenTransactionDB(dir, opts, TransactionDBOptions{}, descs)
	if err != nil {
		t.Fatalf("OpenTransactionDB: %v", err)
	}
	return db, handles
}

func TestOpenPutGetClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())

	cf := handles[0]
	if cf.Name() != DefaultColumnFamilyName {
		t.Errorf("handle name = %q", cf.Name())
	}
	if err := db.PutCF(nil, cf, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutCF: %v", err)
	}
	value, err := db.GetCF(nil, cf, []byte("k"))
	if err != nil || string(value) != "v" {
		t.Fatalf("GetCF = %q, %v", value, err)
	}
	if _, err := db.GetCF(nil, cf, []byte("absent")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCF(absent) err = %v, want ErrNotFound", err)
	}
	if err := db.DeleteCF(nil, cf, []byte("k")); err != nil {
		t.Fatalf("DeleteCF: %v", err)
	}
	if _, err := db.GetCF(nil, cf, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCF after delete err = %v, want ErrNotFound", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close err = %v, want ErrClosed", err)
	}
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	opts := testOptions()
	opts.CreateIfMissing = false
	_, _, err := OpenTransactionDB(dir, opts, TransactionDBOptions{}, defaultDescriptors())
	if err == nil {
		t.Fatal("open of a missing database succeeded without create_if_missing")
	}
}

func TestRecoveryAfterClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := db.PutCF(nil, handles[0], key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.CreateIfMissing = false
	db, handles = openTestDB(t, dir, opts, defaultDescriptors())
	defer db.Close()
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value, err := db.GetCF(nil, handles[0], key)
		if err != nil || !bytes.Equal(value, key) {
			t.Fatalf("GetCF(%s) after reopen = %q, %v", key, value, err)
		}
	}
}

func TestColumnFamilies(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	descs := []ColumnFamilyDescriptor{
		{Name: DefaultColumnFamilyName, Options: NewColumnFamilyOptions()},
		{Name: "aux", Options: NewColumnFamilyOptions()},
	}
	db, handles := openTestDB(t, dir, testOptions(), descs)

	if err := db.PutCF(nil, handles[0], []byte("k"), []byte("from default")); err != nil {
		t.Fatal(err)
	}
	if err := db.PutCF(nil, handles[1], []byte("k"), []byte("from aux")); err != nil {
		t.Fatal(err)
	}
	value, err := db.GetCF(nil, handles[0], []byte("k"))
	if err != nil || string(value) != "from default" {
		t.Fatalf("default cf = %q, %v", value, err)
	}
	value, err = db.GetCF(nil, handles[1], []byte("k"))
	if err != nil || string(value) != "from aux" {
		t.Fatalf("aux cf = %q, %v", value, err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening must name every existing column family.
	if _, _, err := OpenTransactionDB(dir, testOptions(), TransactionDBOptions{}, defaultDescriptors()); err == nil {
		t.Fatal("reopen without the aux column family succeeded")
	}

	db, handles = openTestDB(t, dir, testOptions(), descs)
	defer db.Close()
	value, err = db.GetCF(nil, handles[1], []byte("k"))
	if err != nil || string(value) != "from aux" {
		t.Fatalf("aux cf after reopen = %q, %v", value, err)
	}
}

type reverseComparator struct{}

func (reverseComparator) Compare(a, b []byte) int                          { return -bytes.Compare(a, b) }
func (reverseComparator) Name() string                                     { return "test.ReverseComparator" }
func (reverseComparator) FindShortestSeparator(start, limit []byte) []byte { return start }
func (reverseComparator) FindShortSuccessor(key []byte) []byte             { return key }

func TestComparatorNamePersisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	cfOpts := NewColumnFamilyOptions()
	cfOpts.Comparator = reverseComparator{}
	descs := []ColumnFamilyDescriptor{{Name: DefaultColumnFamilyName, Options: cfOpts}}

	db, _ := openTestDB(t, dir, testOptions(), descs)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with the default bytewise comparator must be refused.
	_, _, err := OpenTransactionDB(dir, testOptions(), TransactionDBOptions{}, defaultDescriptors())
	if !errors.Is(err, ErrComparatorMismatch) {
		t.Fatalf("reopen err = %v, want ErrComparatorMismatch", err)
	}

	db, _ = openTestDB(t, dir, testOptions(), descs)
	db.Close()
}

func TestCustomComparatorOrdersIteration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	cfOpts := NewColumnFamilyOptions()
	cfOpts.Comparator = reverseComparator{}
	descs := []ColumnFamilyDescriptor{{Name: DefaultColumnFamilyName, Options: cfOpts}}
	db, handles := openTestDB(t, dir, testOptions(), descs)
	defer db.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := db.PutCF(nil, handles[0], []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	// Half from a table, half from the memtable, ordering must hold.
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.PutCF(nil, handles[0], []byte("d"), []byte("d")); err != nil {
		t.Fatal(err)
	}

	it := db.NewIteratorCF(nil, handles[0])
	defer it.Close()
	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	want := []string{"d", "c", "b", "a"}
	if len(keys) != len(want) {
		t.Fatalf("iterated %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("iterated %v, want %v", keys, want)
		}
	}
}

func TestFlushMovesDataToTables(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	defer db.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := db.PutCF(nil, handles[0], key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := db.opts.Statistics.GetTickerCount(TickerFlushCount); got != 1 {
		t.Errorf("flush count = %d, want 1", got)
	}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value, err := db.GetCF(nil, handles[0], key)
		if err != nil || !bytes.Equal(value, key) {
			t.Fatalf("GetCF(%s) after flush = %q, %v", key, value, err)
		}
	}
}

func TestBlobValuesSpillAndResolve(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	cfOpts := NewColumnFamilyOptions()
	cfOpts.EnableBlobFiles = true
	cfOpts.MinBlobSize = 128
	descs := []ColumnFamilyDescriptor{{Name: DefaultColumnFamilyName, Options: cfOpts}}
	opts := testOptions()
	db, handles := openTestDB(t, dir, opts, descs)

	small := []byte("small value")
	large := bytes.Repeat([]byte("large value "), 100)
	if err := db.PutCF(nil, handles[0], []byte("small"), small); err != nil {
		t.Fatal(err)
	}
	if err := db.PutCF(nil, handles[0], []byte("large"), large); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}
	if got := opts.Statistics.GetTickerCount(TickerBlobBytesWritten); got == 0 {
		t.Error("no blob bytes written for a value above the threshold")
	}

	value, err := db.GetCF(nil, handles[0], []byte("large"))
	if err != nil || !bytes.Equal(value, large) {
		t.Fatalf("large value after flush: %d bytes, %v", len(value), err)
	}
	value, err = db.GetCF(nil, handles[0], []byte("small"))
	if err != nil || !bytes.Equal(value, small) {
		t.Fatalf("small value after flush: %q, %v", value, err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, handles = openTestDB(t, dir, testOptions(), descs)
	defer db.Close()
	value, err = db.GetCF(nil, handles[0], []byte("large"))
	if err != nil || !bytes.Equal(value, large) {
		t.Fatalf("large value after reopen: %d bytes, %v", len(value), err)
	}
}

func TestCompactDropsTombstones(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	defer db.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := db.PutCF(nil, handles[0], key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := db.DeleteCF(nil, handles[0], []byte(fmt.Sprintf("key%03d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CompactRangeCF(handles[0], nil, nil); err != nil {
		t.Fatalf("CompactRangeCF: %v", err)
	}

	cf := handles[0].cf
	if len(cf.l0) != 0 || len(cf.bottom) != 1 {
		t.Errorf("after compact: %d l0 tables, %d bottom tables; want 0 and 1", len(cf.l0), len(cf.bottom))
	}
	for i := 0; i < 10; i++ {
		if _, err := db.GetCF(nil, handles[0], []byte(fmt.Sprintf("key%03d", i))); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted key%03d still readable after compact", i)
		}
	}
	for i := 10; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value, err := db.GetCF(nil, handles[0], key)
		if err != nil || !bytes.Equal(value, key) {
			t.Fatalf("surviving %s = %q, %v", key, value, err)
		}
	}
}

func TestIteratorSkipsDeletedAndMerges(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	defer db.Close()

	cf := handles[0]
	for _, k := range []string{"a", "b", "c"} {
		if err := db.PutCF(nil, cf, []byte(k), []byte("old-"+k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.PutCF(nil, cf, []byte("b"), []byte("new-b")); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteCF(nil, cf, []byte("c")); err != nil {
		t.Fatal(err)
	}

	it := db.NewIteratorCF(nil, cf)
	defer it.Close()
	got := map[string]string{}
	for it.First(); it.Valid(); it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	if len(got) != 2 {
		t.Fatalf("iterated %v, want exactly a and b", got)
	}
	if got["a"] != "old-a" || got["b"] != "new-b" {
		t.Errorf("iterated %v, want old-a and new-b", got)
	}
}

func TestTransactionCommitAndConflict(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	defer db.Close()
	cf := handles[0]

	txn := db.BeginTransaction(nil, TransactionOptions{})
	if err := txn.Put(cf, []byte("k"), []byte("txn value")); err != nil {
		t.Fatal(err)
	}

	// A key is invisible to the database until commit.
	if _, err := db.GetCF(nil, cf, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("uncommitted write visible: %v", err)
	}
	// But visible to its own transaction.
	value, err := txn.Get(cf, []byte("k"))
	if err != nil || string(value) != "txn value" {
		t.Fatalf("txn.Get = %q, %v", value, err)
	}

	// A second transaction cannot lock the same key.
	other := db.BeginTransaction(nil, TransactionOptions{LockTimeout: 50 * time.Millisecond})
	if err := other.Put(cf, []byte("k"), []byte("other")); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("conflicting Put err = %v, want ErrLockTimeout", err)
	}
	if err := other.Rollback(); err != nil {
		t.Fatal(err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	value, err = db.GetCF(nil, cf, []byte("k"))
	if err != nil || string(value) != "txn value" {
		t.Fatalf("GetCF after commit = %q, %v", value, err)
	}

	// The lock is free again after commit.
	third := db.BeginTransaction(nil, TransactionOptions{LockTimeout: 50 * time.Millisecond})
	if err := third.Put(cf, []byte("k"), []byte("third")); err != nil {
		t.Fatalf("Put after commit: %v", err)
	}
	if err := third.Rollback(); err != nil {
		t.Fatal(err)
	}
	// Rollback discarded the write.
	value, err = db.GetCF(nil, cf, []byte("k"))
	if err != nil || string(value) != "txn value" {
		t.Fatalf("GetCF after rollback = %q, %v", value, err)
	}
	if err := third.Commit(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("Commit after Rollback err = %v, want ErrTransactionDone", err)
	}
}

func TestDestroyDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	opts := testOptions()
	db, handles := openTestDB(t, dir, opts, defaultDescriptors())
	if err := db.PutCF(nil, handles[0], []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}

	// Destroy refuses a database that is still open.
	if err := DestroyDB(dir, opts); err == nil {
		t.Fatal("DestroyDB succeeded while the database was open")
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := DestroyDB(dir, opts); err != nil {
		t.Fatalf("DestroyDB: %v", err)
	}
	if opts.fs().Exists(dir) {
		t.Error("database directory still exists after DestroyDB")
	}
	// Destroying a missing path is a no-op.
	if err := DestroyDB(dir, opts); err != nil {
		t.Errorf("DestroyDB on a missing path: %v", err)
	}
}

func TestParanoidChecksVerifyTables(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, handles := openTestDB(t, dir, testOptions(), defaultDescriptors())
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := db.PutCF(nil, handles[0], key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip one byte inside the table's first data block.
	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("table files = %v, %v", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(matches[0], data, 0o644); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.ParanoidChecks = true
	if _, _, err := OpenTransactionDB(dir, opts, TransactionDBOptions{}, defaultDescriptors()); err == nil {
		t.Fatal("paranoid open accepted a corrupt table")
	}

	// A relaxed open defers the damage until the block is read.
	db, handles = openTestDB(t, dir, testOptions(), defaultDescriptors())
	defer db.Close()
	if _, err := db.GetCF(nil, handles[0], []byte("key000")); err == nil {
		t.Error("read from a corrupt block succeeded")
	}
}

func TestBloomFilterTicksUseful(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	cfOpts := NewColumnFamilyOptions()
	cfOpts.BlockBasedTableOptions.FilterPolicy = filter.NewBloomPolicy(10)
	descs := []ColumnFamilyDescriptor{{Name: DefaultColumnFamilyName, Options: cfOpts}}
	opts := testOptions()
	db, handles := openTestDB(t, dir, opts, descs)
	defer db.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := db.PutCF(nil, handles[0], key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		if _, err := db.GetCF(nil, handles[0], []byte(fmt.Sprintf("absent%03d", i))); !errors.Is(err, ErrNotFound) {
			t.Fatal("absent key found")
		}
	}
	useful := opts.Statistics.GetTickerCount(TickerBloomFilterUseful)
	if useful == 0 {
		t.Error("no lookups were rejected by the bloom filter")
	}
	// Present keys still resolve.
	if _, err := db.GetCF(nil, handles[0], []byte("key042")); err != nil {
		t.Errorf("present key: %v", err)
	}
}
