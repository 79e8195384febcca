// Package pal is a file system backed platform layer for the OTA agent.
// Received images are staged next to the active image and checked against the
// signer certificate the job names. Boot flags survive restarts in badger.
package pal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"

	"github.com/RoanBrand/gota/internal/ota"
	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// boot flags of the active image
type flag byte

const (
	flagNone          flag = iota
	flagNew                // received and verified, not booted yet
	flagPendingCommit      // booted, self test running
	flagValid
	flagInvalid
)

var keyFlags = []byte("img/flags")

// Options configure a FilePAL.
type Options struct {
	Dir       string       // data directory holding the badger store
	ImagePath string       // active image, Dir/image.bin if empty
	CertDir   string       // signer certificates are looked up here, Dir if empty
	Reset     func() error // restarts the device, ResetDevice fails if nil
}

// FilePAL implements ota.PAL on the local file system.
type FilePAL struct {
	opts Options
	db   *badger.DB
}

// Open opens the badger store in opts.Dir.
func Open(opts Options) (*FilePAL, error) {
	if opts.Dir == "" {
		return nil, errors.New("pal: data directory required")
	}
	if opts.ImagePath == "" {
		opts.ImagePath = filepath.Join(opts.Dir, "image.bin")
	}
	if opts.CertDir == "" {
		opts.CertDir = opts.Dir
	}

	dir := filepath.Join(opts.Dir, "state")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "pal: create state dir")
	}
	bo := badger.DefaultOptions
	bo.Dir, bo.ValueDir = dir, dir
	db, err := badger.Open(bo)
	if err != nil {
		return nil, errors.Wrap(err, "pal: open state store")
	}

	return &FilePAL{opts: opts, db: db}, nil
}

func (p *FilePAL) Close() error {
	return p.db.Close()
}

func (p *FilePAL) stagedPath() string {
	return p.opts.ImagePath + ".rx"
}

func (p *FilePAL) backupPath() string {
	return p.opts.ImagePath + ".bak"
}

func (p *FilePAL) CreateFileForRx(f *ota.File) error {
	fh, err := os.OpenFile(p.stagedPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithMessage(ota.ErrRxFileCreateFailed, err.Error())
	}
	if err = fh.Truncate(int64(f.Size)); err != nil {
		fh.Close()
		return errors.WithMessage(ota.ErrRxFileCreateFailed, err.Error())
	}

	f.Handle = fh
	log.WithFields(log.Fields{
		"path": p.stagedPath(),
		"size": f.Size,
	}).Debug("PAL receive file created")
	return nil
}

func (p *FilePAL) WriteBlock(f *ota.File, offset uint32, data []byte) (int, error) {
	fh, ok := f.Handle.(*os.File)
	if !ok {
		return 0, ota.ErrNullFilePtr
	}
	return fh.WriteAt(data, int64(offset))
}

// CloseFile verifies the signature of the received file. A file that fails
// verification is removed.
func (p *FilePAL) CloseFile(f *ota.File) error {
	fh, ok := f.Handle.(*os.File)
	if !ok {
		return ota.ErrNullFilePtr
	}

	err := p.verify(fh, f)
	if cerr := fh.Close(); err == nil && cerr != nil {
		err = errors.WithMessage(ota.ErrFileClose, cerr.Error())
	}
	if err != nil {
		p.removeStaged()
		return err
	}

	log.WithField("cert", f.CertFile).Info("PAL signature verified")
	if err = p.setFlags(flagNew); err != nil {
		return errors.WithMessage(ota.ErrFileClose, err.Error())
	}
	return nil
}

func (p *FilePAL) verify(fh *os.File, f *ota.File) error {
	if len(f.Signature) == 0 {
		return errors.WithMessage(ota.ErrSignatureCheckFailed, "no signature")
	}
	key, err := p.signerKey(f.CertFile)
	if err != nil {
		return errors.WithMessage(ota.ErrBadSignerCert, err.Error())
	}

	h := sha256.New()
	if _, err = fh.Seek(0, io.SeekStart); err == nil {
		_, err = io.Copy(h, fh)
	}
	if err != nil {
		return errors.WithMessage(ota.ErrSignatureCheckFailed, err.Error())
	}

	if !ecdsa.VerifyASN1(key, h.Sum(nil), f.Signature) {
		return ota.ErrSignatureCheckFailed
	}
	return nil
}

// signerKey loads the P-256 public key from a PEM certificate or public key
// file under the certificate directory.
func (p *FilePAL) signerKey(name string) (*ecdsa.PublicKey, error) {
	if name == "" {
		return nil, errors.New("no signer certificate")
	}
	b, err := os.ReadFile(filepath.Join(p.opts.CertDir, filepath.Clean("/"+name)))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.Errorf("%s: no PEM data", name)
	}

	var pub interface{}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = cert.PublicKey
	case "PUBLIC KEY":
		if pub, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("%s: unexpected PEM block %q", name, block.Type)
	}

	key, ok := pub.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, errors.Errorf("%s: not an ECDSA P-256 key", name)
	}
	return key, nil
}

func (p *FilePAL) Abort(f *ota.File) error {
	if fh, ok := f.Handle.(*os.File); ok {
		fh.Close()
		f.Handle = nil
	}
	return p.removeStaged()
}

func (p *FilePAL) removeStaged() error {
	if err := os.Remove(p.stagedPath()); err != nil && !os.IsNotExist(err) {
		return errors.WithMessage(ota.ErrFileAbort, err.Error())
	}
	return nil
}

func (p *FilePAL) GetPlatformImageState(uint32) ota.PALImageState {
	fl, err := p.flags()
	if err != nil {
		log.WithError(err).Error("PAL reading image flags failed")
		return ota.PALImageInvalid
	}

	switch fl {
	case flagPendingCommit:
		return ota.PALImagePendingCommit
	case flagNew, flagValid:
		return ota.PALImageValid
	case flagInvalid:
		return ota.PALImageInvalid
	}
	return ota.PALImageUnknown
}

// SetPlatformImageState records s in the boot flags. Rejecting or aborting an
// image in self test restores the image it replaced.
func (p *FilePAL) SetPlatformImageState(_ uint32, s ota.ImageState) error {
	l := log.WithField("state", s)

	switch s {
	case ota.ImageTesting:
		return nil
	case ota.ImageAccepted:
		if err := p.setFlags(flagValid); err != nil {
			return errors.WithMessage(ota.ErrCommitFailed, err.Error())
		}
		os.Remove(p.backupPath())
		l.Info("PAL image committed")
		return nil
	case ota.ImageRejected, ota.ImageAborted:
		code := ota.ErrRejectFailed
		if s == ota.ImageAborted {
			code = ota.ErrAbortFailed
		}

		fl, err := p.flags()
		if err != nil {
			return errors.WithMessage(code, err.Error())
		}
		next := flagInvalid
		if fl == flagPendingCommit {
			if err = os.Rename(p.backupPath(), p.opts.ImagePath); err == nil {
				l.Warn("PAL image rolled back")
				next = flagValid
			} else if !os.IsNotExist(err) {
				return errors.WithMessage(code, err.Error())
			}
		}
		p.removeStaged()

		if err = p.setFlags(next); err != nil {
			return errors.WithMessage(code, err.Error())
		}
		l.Info("PAL image invalidated")
		return nil
	}
	return ota.ErrBadImageState
}

// ActivateNewImage swaps the verified image in, keeping the old one for a
// rollback, and resets the device into the self test.
func (p *FilePAL) ActivateNewImage(serverFileID uint32) error {
	if fl, err := p.flags(); err != nil {
		return errors.WithMessage(ota.ErrActivateFailed, err.Error())
	} else if fl != flagNew {
		return errors.WithMessage(ota.ErrActivateFailed, "no verified image")
	}

	if err := os.Rename(p.opts.ImagePath, p.backupPath()); err != nil && !os.IsNotExist(err) {
		return errors.WithMessage(ota.ErrActivateFailed, err.Error())
	}
	if err := os.Rename(p.stagedPath(), p.opts.ImagePath); err != nil {
		return errors.WithMessage(ota.ErrActivateFailed, err.Error())
	}
	if err := p.setFlags(flagPendingCommit); err != nil {
		return errors.WithMessage(ota.ErrActivateFailed, err.Error())
	}

	log.WithField("image", p.opts.ImagePath).Info("PAL new image activated")
	return p.ResetDevice(serverFileID)
}

func (p *FilePAL) ResetDevice(uint32) error {
	if p.opts.Reset == nil {
		return ota.ErrResetNotSupported
	}
	log.Warn("PAL resetting device")
	return p.opts.Reset()
}

func (p *FilePAL) flags() (flag, error) {
	fl := flagNone
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFlags)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		val, err := item.Value()
		if err != nil {
			return err
		}
		if len(val) == 1 {
			fl = flag(val[0])
		}
		return nil
	})
	return fl, err
}

func (p *FilePAL) setFlags(fl flag) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFlags, []byte{byte(fl)})
	})
}
