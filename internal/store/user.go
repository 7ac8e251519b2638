package store

import (
	"database/sql"
	"fmt"
)

// UpsertUser inserts or refreshes a cached participant snapshot together
// with its photos.
func (db *DB) UpsertUser(u *User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertUserTx(tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertUserTx(tx *sql.Tx, u *User) error {
	if _, err := tx.Exec(`
		INSERT INTO users (id, first_name, last_name, email, mobile, gender, dob, lat, long, location, page_key, image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			mobile = excluded.mobile,
			gender = excluded.gender,
			dob = excluded.dob,
			lat = excluded.lat,
			long = excluded.long,
			location = excluded.location,
			page_key = excluded.page_key,
			image = excluded.image`,
		u.ID, u.FirstName, u.LastName, u.Email, u.Mobile, u.Gender, u.DOB,
		u.Lat, u.Long, u.Location, u.PageKey, u.Image); err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}

	if len(u.Photos) > 0 {
		if _, err := tx.Exec(`DELETE FROM photos WHERE user_id = ?`, u.ID); err != nil {
			return fmt.Errorf("clear photos for user %d: %w", u.ID, err)
		}
		for _, p := range u.Photos {
			if _, err := tx.Exec(`
				INSERT INTO photos (id, user_id, file, file_type, thumbnail)
				VALUES (?, ?, ?, ?, ?)`,
				p.ID, u.ID, p.File, p.FileType, p.Thumbnail); err != nil {
				return fmt.Errorf("insert photo %d: %w", p.ID, err)
			}
		}
	}
	return nil
}

// ListUsers returns all cached participant snapshots, without photos.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.Query(`
		SELECT id, first_name, last_name, email, mobile, gender, dob, lat, long, location, page_key, image
		FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Mobile, &u.Gender, &u.DOB,
			&u.Lat, &u.Long, &u.Location, &u.PageKey, &u.Image); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser returns a cached snapshot with photos, or (nil, nil) when absent.
func (db *DB) GetUser(id int64) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, first_name, last_name, email, mobile, gender, dob, lat, long, location, page_key, image
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Mobile, &u.Gender, &u.DOB,
			&u.Lat, &u.Long, &u.Location, &u.PageKey, &u.Image)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, user_id, file, file_type, thumbnail FROM photos WHERE user_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p Photo
		if err := rows.Scan(&p.ID, &p.UserID, &p.File, &p.FileType, &p.Thumbnail); err != nil {
			return nil, err
		}
		u.Photos = append(u.Photos, p)
	}
	return &u, rows.Err()
}
