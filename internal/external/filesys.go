package external

import "sync"

// InodeID identifies a file's inode — the key component of a shared
// mmap's identity in spec.md §4.5.3 ("(inode_handle, file_offset,
// length, writable_flag)").
type InodeID uint64

// inodeData is the storage an Inode's File handles share: all File
// handles reopened from the same underlying file see each other's writes,
// matching spec.md's "file_reopen" contract.
type inodeData struct {
	mu   sync.RWMutex
	id   InodeID
	data []byte
}

// File is an open file handle: file_read_at/file_write_at/file_seek/
// file_length/file_deny_write/file_get_inode/file_reopen/file_close from
// spec.md §6, each handle tracking its own deny-write vote independently
// (Reopen returns a second handle over the same inode, as real Pintos-style
// file_reopen does, so that "writes denied on read-only shares" — spec.md
// §4.5.3 — is per-sharer, not per-inode).
type File struct {
	inode     *inodeData
	denied    bool
	seekPos   int64
	closeOnce sync.Once
}

// OpenFile creates a brand new file with the given inode id and initial
// contents.
func OpenFile(id InodeID, contents []byte) *File {
	buf := make([]byte, len(contents))
	copy(buf, contents)
	return &File{inode: &inodeData{id: id, data: buf}}
}

// Reopen returns an independent handle over the same inode (file_reopen).
func (f *File) Reopen() *File {
	return &File{inode: f.inode}
}

// Close releases this handle (file_close). Closing twice is a caller bug
// (§7 "Policy violation"); here it is a silent no-op on the second call so
// teardown code can close defensively.
func (f *File) Close() {
	f.closeOnce.Do(func() {})
}

// Inode returns the handle's inode identity.
func (f *File) Inode() InodeID { return f.inode.id }

// Length returns the current file length.
func (f *File) Length() int64 {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return int64(len(f.inode.data))
}

// DenyWrite marks this handle as not writable; other handles over the same
// inode are unaffected (file_deny_write) — used for the executable-in-use protection and for
// read-only shared mmaps per spec.md §4.5.3 step 4.
func (f *File) DenyWrite() { f.denied = true }

// AllowWrite undoes DenyWrite.
func (f *File) AllowWrite() { f.denied = false }

// ReadAt reads len(buf) bytes starting at offset, zero-padding past EOF,
// and returns the number of bytes actually backed by file data (the rest
// of buf is left zeroed) — mirrors spec.md §4.5.3 step 4's "read length
// bytes... zero the tail."
func (f *File) ReadAt(buf []byte, offset int64) int {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()

	clear(buf)
	if offset >= int64(len(f.inode.data)) {
		return 0
	}
	n := copy(buf, f.inode.data[offset:])
	return n
}

// WriteAt writes buf at offset, growing the file if necessary. It returns
// 0 without writing if this handle denies writes.
func (f *File) WriteAt(buf []byte, offset int64) int {
	if f.denied {
		return 0
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	return copy(f.inode.data[offset:end], buf)
}

// Seek repositions this handle's cursor (file_seek is position-setting
// only in Pintos's API, not a return-new-offset call; the handle holds the
// resulting offset, which Tell reads back).
func (f *File) Seek(offset int64) { f.seekPos = offset }

// Tell returns the handle's current cursor, set by Seek.
func (f *File) Tell() int64 { return f.seekPos }

// FS is the single global filesystem gate spec.md §5 requires: "a single
// global filesystem lock, acquired via filesys_enter/filesys_exit."
type FS struct {
	mu sync.Mutex
}

// Enter acquires the filesystem lock and returns the matching Exit.
func (fs *FS) Enter() (exit func()) {
	fs.mu.Lock()
	return fs.mu.Unlock
}
