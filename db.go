package lettermill

type Database interface {
	Open() error
	Close() error
}
