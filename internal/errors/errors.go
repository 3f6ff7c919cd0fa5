package errors

import "errors"

// Is reports whether any error in err's chain matches target. Re-exported so
// callers checking the sentinels below need only this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

var (
	ErrSiteNotFound        = errors.New("site not found")
	ErrSiteExists          = errors.New("site already exists")
	ErrReleaseNotFound     = errors.New("release not found")
	ErrSecretNotFound      = errors.New("secret not found")
	ErrVaultNotInitialized = errors.New("vault not initialized; run 'ftp-deployer secrets init'")
	ErrLockHeld            = errors.New("deployment lock held by another release")
	ErrNoSuccessfulRelease = errors.New("no successful release to roll back to")
	ErrEmptyManifest       = errors.New("manifest contains no files after exclusions")
	ErrSSHNotConfigured    = errors.New("site has no SSH configuration")
	ErrSignatureMismatch   = errors.New("manifest signature mismatch")
)
