package repository

import (
	"gorm.io/gorm"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
)

type StationRepository struct {
	DB *gorm.DB
}

func NewStationRepository(db *gorm.DB) *StationRepository {
	return &StationRepository{DB: db}
}

func (r *StationRepository) Create(station *model.Station) error {
	return r.DB.Create(station).Error
}

func (r *StationRepository) FindByID(id uint) (*model.Station, error) {
	var station model.Station
	if err := r.DB.First(&station, id).Error; err != nil {
		return nil, notFound(err, "station")
	}
	return &station, nil
}

func (r *StationRepository) List(page, limit int) ([]model.Station, int64, error) {
	var stations []model.Station
	var total int64

	db := r.DB.Model(&model.Station{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		db = db.Offset((page - 1) * limit).Limit(limit)
	}
	err := db.Order("id ASC").Find(&stations).Error
	return stations, total, err
}
